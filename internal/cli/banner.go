package cli

import (
	"errors"
	"net"
	"strconv"

	"github.com/charmbracelet/log"
)

// localIP returns the first non-loopback IPv4 address of this host
func localIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	return firstLANAddr(addrs)
}

func firstLANAddr(addrs []net.Addr) (string, error) {
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", errors.New("no local ip address found")
}

// deviceBaseURL is the URL a device on the LAN should be pointed at.
// Wildcard listen hosts are replaced with the LAN address from lookup.
func deviceBaseURL(host string, port int, lookup func() (string, error)) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
		if ip, err := lookup(); err == nil {
			host = ip
		}
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// logDeviceGuide prints where to point a TRMNL device and which requests
// confirm it switched to this server.
func logDeviceGuide(logger *log.Logger, baseURL string) {
	logger.Info("device setup: hold the button 5-7s, join the TRMNL wifi and set the base URL", "base_url", baseURL)
	logger.Info("endpoints",
		"setup", baseURL+"/api/setup",
		"display", baseURL+"/api/display",
		"image", baseURL+"/screen.bmp",
		"render", baseURL+"/api/render",
		"status", baseURL+"/api/status",
	)
	logger.Info("device connected once GET /api/setup and GET /api/display show up in the access log")
}
