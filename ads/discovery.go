package ads

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// DiscoveredDevice is a host that answered on the ADS TCP port.
type DiscoveredDevice struct {
	IP       net.IP
	AmsNetId AmsNetId
	Info     DeviceInfo
	HasRoute bool // the runtime answered ReadDeviceInfo
}

func (d DiscoveredDevice) String() string {
	if !d.HasRoute {
		return fmt.Sprintf("%s  %s  (no route)", d.IP, d.AmsNetId)
	}
	return fmt.Sprintf("%s  %s  %s", d.IP, d.AmsNetId, d.Info)
}

// DiscoverSubnet probes every host of cidr for an ADS router and asks the
// runtime at port for its device info. Hosts are probed concurrently.
func DiscoverSubnet(ctx context.Context, cidr string, port uint16, timeout time.Duration, concurrency int) ([]DiscoveredDevice, error) {
	ips, err := expandCIDR(cidr)
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 20
	}

	var (
		results []DiscoveredDevice
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	for _, ip := range ips {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(ip net.IP) {
			defer wg.Done()
			defer func() { <-sem }()

			if device, ok := probe(ctx, ip, port, timeout); ok {
				mu.Lock()
				results = append(results, device)
				mu.Unlock()
			}
		}(ip)
	}

	wg.Wait()
	return results, nil
}

func probe(ctx context.Context, ip net.IP, port uint16, timeout time.Duration) (DiscoveredDevice, bool) {
	client, err := Connect(ctx, ip.String(), WithTimeout(timeout))
	if err != nil {
		return DiscoveredDevice{}, false
	}
	defer client.Close()

	device := DiscoveredDevice{IP: ip, AmsNetId: client.TargetNetId()}
	if info, err := client.ReadDeviceInfo(port); err == nil {
		device.Info = info
		device.HasRoute = true
	}
	return device, true
}

// expandCIDR lists the host addresses of cidr, skipping network and
// broadcast addresses on /24 and larger.
func expandCIDR(cidr string) ([]net.IP, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR: %w", err)
	}
	if ip.To4() == nil {
		return nil, fmt.Errorf("invalid CIDR %q: only IPv4 is supported", cidr)
	}

	ones, bits := ipnet.Mask.Size()
	var ips []net.IP
	for ip := ip.Mask(ipnet.Mask); ipnet.Contains(ip); inc(ip) {
		if bits-ones >= 8 && (ip[len(ip)-1] == 0 || ip[len(ip)-1] == 255) {
			continue
		}
		ipCopy := make(net.IP, len(ip))
		copy(ipCopy, ip)
		ips = append(ips, ipCopy)
	}
	return ips, nil
}

func inc(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
