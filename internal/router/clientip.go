package router

import (
	"net"
	"net/http"
	"strings"
)

const (
	headerEnvoyExternalAddress = "X-Envoy-External-Address"
	headerForwardedFor         = "X-Forwarded-For"
	headerClientVersion        = "x-client-version"
	headerDeviceID             = "device_id"
)

// clientAddresses returns the client address and the chain of proxies in
// front of it. The edge proxy's external address header wins; otherwise the
// first forwarded-for hop is the client. Without either header the peer
// address is used.
func clientAddresses(r *http.Request) (clientIP, proxyIP string) {
	clientIP = strings.TrimSpace(r.Header.Get(headerEnvoyExternalAddress))

	var hops []string
	for _, v := range r.Header.Values(headerForwardedFor) {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}

	if clientIP == "" && len(hops) > 0 {
		clientIP = hops[0]
	} else if clientIP != "" {
		var proxies []string
		for _, hop := range hops {
			if hop != clientIP {
				proxies = append(proxies, hop)
			}
		}
		proxyIP = strings.Join(proxies, ", ")
	}

	if clientIP == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		clientIP = host
	}
	return clientIP, proxyIP
}
