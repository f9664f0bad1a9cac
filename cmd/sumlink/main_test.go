package main

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"sumlink/api"
	"sumlink/config"
	"sumlink/kafka"
	"sumlink/poller"
)

func TestExpandLogDebug(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"bare at end", []string{"-d", "--log-debug"}, []string{"-d", "--log-debug", "all"}},
		{"bare before flag", []string{"-log-debug", "-d"}, []string{"-log-debug", "all", "-d"}},
		{"with value", []string{"-log-debug", "ADS,SumRead"}, []string{"-log-debug", "ADS,SumRead"}},
		{"with equals", []string{"--log-debug=MQTT"}, []string{"--log-debug=MQTT"}},
		{"absent", []string{"-d"}, []string{"-d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandLogDebug(tt.args); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expandLogDebug(%q) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestSetAdminUser(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AddUser(config.User{Username: "ops", Role: config.RoleViewer})

	if err := setAdminUser(cfg, "ops", "secret"); err != nil {
		t.Fatalf("setAdminUser: %v", err)
	}
	if err := setAdminUser(cfg, "root", "hunter2"); err != nil {
		t.Fatalf("setAdminUser: %v", err)
	}

	if len(cfg.REST.Users) != 2 {
		t.Fatalf("users = %d, want 2", len(cfg.REST.Users))
	}
	for _, u := range cfg.REST.Users {
		if u.Role != config.RoleAdmin {
			t.Errorf("user %s role = %s", u.Username, u.Role)
		}
		if u.PasswordHash == "" {
			t.Errorf("user %s has no password hash", u.Username)
		}
	}
	if cfg.REST.SessionSecret == "" {
		t.Error("session secret not generated")
	}

	secret := cfg.REST.SessionSecret
	setAdminUser(cfg, "root", "changed")
	if cfg.REST.SessionSecret != secret {
		t.Error("existing session secret was replaced")
	}
}

func TestPollerConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Device.Name = "line1"
	cfg.Device.Address = "192.168.1.20"
	cfg.Device.AmsNetID = "192.168.1.20.1.1"
	cfg.Device.LocalAmsNetID = "192.168.1.5.1.1"
	cfg.Device.SumBufferNElem = 100

	pcfg, local, err := pollerConfig(cfg)
	if err != nil {
		t.Fatalf("pollerConfig: %v", err)
	}
	if pcfg.Name != "line1" || pcfg.Address != "192.168.1.20" || pcfg.MaxPerBuffer != 100 {
		t.Errorf("poller config = %+v", pcfg)
	}
	if pcfg.NetID.String() != "192.168.1.20.1.1" || local.String() != "192.168.1.5.1.1" {
		t.Errorf("net IDs = %s / %s", pcfg.NetID, local)
	}
	if pcfg.SumReadPeriod != cfg.Poll.SumReadPeriod || pcfg.ReconnectDelay != cfg.Poll.ReconnectDelay {
		t.Errorf("poll periods not copied: %+v", pcfg)
	}

	cfg.Device.AmsNetID = "not-an-id"
	if _, _, err := pollerConfig(cfg); err == nil {
		t.Error("expected error for a bad AMS net ID")
	}
}

func TestKafkaConfigs(t *testing.T) {
	off := false
	cfg := config.DefaultConfig()
	cfg.Namespace = "plant"
	cfg.Kafka = []config.KafkaConfig{
		config.DefaultKafkaConfig("default"),
		{Name: "custom", Brokers: []string{"k1:9092"}, SASLMechanism: "PLAIN", Topic: "ads", AutoCreateTopics: &off},
	}

	got := kafkaConfigs(cfg)
	if len(got) != 2 {
		t.Fatalf("configs = %d", len(got))
	}
	if got[0].Topic != "plant-changes" || !got[0].AutoCreateTopics || got[0].RequiredAcks != -1 {
		t.Errorf("default cluster = %+v", got[0])
	}
	if got[1].Topic != "ads" || got[1].AutoCreateTopics || got[1].SASLMechanism != kafka.SASLPlain {
		t.Errorf("custom cluster = %+v", got[1])
	}
}

func TestKafkaChanges(t *testing.T) {
	now := time.Now()
	changes := []poller.ValueChange{
		{Device: "plc", Name: "MAIN.speed", TypeName: "LREAL", Value: 1.5, Timestamp: now},
		{Device: "plc", Name: "MAIN.cmd", TypeName: "INT", Value: int64(3), Timestamp: now},
	}
	writable := func(device, variable string) bool { return variable == "MAIN.cmd" }

	got := kafkaChanges(changes, writable)
	want := []kafka.Change{
		{Variable: "MAIN.speed", Type: "LREAL", Value: 1.5, Timestamp: now},
		{Variable: "MAIN.cmd", Type: "INT", Value: int64(3), Writable: true, Timestamp: now},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("kafkaChanges = %+v, want %+v", got, want)
	}
}

func TestHealthFields(t *testing.T) {
	online, status, errMsg := healthFields(poller.Snapshot{Status: poller.StatusConnected})
	if !online || status != poller.StatusConnected.String() || errMsg != "" {
		t.Errorf("connected = %v %q %q", online, status, errMsg)
	}

	online, status, errMsg = healthFields(poller.Snapshot{Status: poller.StatusError, LastError: errors.New("timeout")})
	if online || status != poller.StatusError.String() || errMsg != "timeout" {
		t.Errorf("error = %v %q %q", online, status, errMsg)
	}
}

func TestHashPasswordRoundTrip(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := setAdminUser(cfg, "admin", "pw"); err != nil {
		t.Fatal(err)
	}
	hash := cfg.FindUser("admin").PasswordHash
	other, err := api.HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	if hash == other {
		t.Error("bcrypt hashes should be salted")
	}
}
