package browser

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Endpoint is a DevTools HTTP endpoint that answered /json/version.
type Endpoint struct {
	BaseURL         string `json:"base_url"`
	WebSocketURL    string `json:"webSocketDebuggerUrl"`
	Browser         string `json:"Browser"`
	ProtocolVersion string `json:"Protocol-Version"`
}

// defaultGateway returns the IPv4 default route, used to reach a browser on
// the host when running inside a container. Overridden in tests.
var defaultGateway = func() string {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return ""
	}
	defer f.Close()
	return parseDefaultGateway(f)
}

// parseDefaultGateway reads the Linux route table format.
func parseDefaultGateway(r io.Reader) string {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		raw, err := hex.DecodeString(fields[2])
		if err != nil || len(raw) != 4 {
			continue
		}
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, binary.LittleEndian.Uint32(raw))
		if ip.IsUnspecified() {
			continue
		}
		return ip.String()
	}
	return ""
}

// CandidateBases lists the endpoints to probe in order: loopback first, then
// the default gateway when allowNAT is set.
func CandidateBases(port int, allowNAT bool) []string {
	bases := []string{fmt.Sprintf("http://127.0.0.1:%d", port)}
	if allowNAT {
		if gw := defaultGateway(); gw != "" && gw != "127.0.0.1" {
			bases = append(bases, "http://"+net.JoinHostPort(gw, fmt.Sprint(port)))
		}
	}
	return bases
}

// Probe asks base for its version info. The websocket URL is rewritten to
// the probed host so endpoints reached through NAT stay reachable.
func Probe(ctx context.Context, client *http.Client, base string) (Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/json/version", nil)
	if err != nil {
		return Endpoint{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Endpoint{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Endpoint{}, fmt.Errorf("%s: unexpected status %d", base, resp.StatusCode)
	}

	var ep Endpoint
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ep); err != nil {
		return Endpoint{}, fmt.Errorf("%s: decode version: %w", base, err)
	}
	if ep.WebSocketURL == "" {
		return Endpoint{}, fmt.Errorf("%s: no webSocketDebuggerUrl", base)
	}
	ep.BaseURL = base

	baseURL, err := url.Parse(base)
	if err != nil {
		return Endpoint{}, err
	}
	wsURL, err := url.Parse(ep.WebSocketURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%s: bad webSocketDebuggerUrl: %w", base, err)
	}
	wsURL.Host = baseURL.Host
	ep.WebSocketURL = wsURL.String()
	return ep, nil
}

// SelectEndpoint returns the first candidate that answers within timeout.
func SelectEndpoint(ctx context.Context, port int, allowNAT bool, timeout time.Duration) (Endpoint, error) {
	client := &http.Client{Timeout: timeout}
	var lastErr error
	for _, base := range CandidateBases(port, allowNAT) {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		ep, err := Probe(probeCtx, client, base)
		cancel()
		if err == nil {
			return ep, nil
		}
		lastErr = err
	}
	return Endpoint{}, fmt.Errorf("%w on port %d: %v", ErrNoEndpoint, port, lastErr)
}
