// Command cctl is a small operator CLI for a running Command Center server.
//
// Usage:
//
//	cctl [flags] publish -type <event_type> [-source s] [-severity sev] [-payload json]
//	cctl [flags] tail    [-types t1,t2]
//	cctl [flags] rules
//	cctl [flags] health
//
// Global flags:
//
//	-server   base URL of the API (default http://localhost:8080, or $COMMANDCENTER_URL)
//	-tenant   tenant scope sent as X-Tenant-ID
//	-roles    comma-separated roles sent as X-User-Roles
//
// tail connects to the server-sent-events stream and prints one JSON event
// per line until interrupted.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultServer = "http://localhost:8080"

type client struct {
	base   string
	tenant string
	roles  string
	http   *http.Client
}

func main() {
	_ = godotenv.Load()

	server := flag.String("server", envOr("COMMANDCENTER_URL", defaultServer), "base URL of the Command Center API")
	tenant := flag.String("tenant", envOr("COMMANDCENTER_TENANT", ""), "tenant scope (sent as X-Tenant-ID)")
	roles := flag.String("roles", envOr("COMMANDCENTER_ROLES", ""), "comma-separated roles (sent as X-User-Roles)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	c := &client{
		base:   strings.TrimRight(*server, "/"),
		tenant: *tenant,
		roles:  *roles,
		http:   &http.Client{Timeout: 15 * time.Second},
	}

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "publish":
		err = cmdPublish(c, flag.Args()[1:])
	case "tail":
		err = cmdTail(c, flag.Args()[1:])
	case "rules":
		err = cmdRules(c)
	case "health":
		err = cmdHealth(c)
	default:
		fmt.Fprintf(os.Stderr, "cctl: unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: cctl [flags] <command> [command flags]

Commands:
  publish    publish an event
  tail       follow the live event stream
  rules      list alert rules
  health     show server health

Flags:
`)
	flag.PrintDefaults()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// setIdentity attaches the tenant and role headers the API resolves identity
// from.
func (c *client) setIdentity(req *http.Request) {
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	if c.roles != "" {
		req.Header.Set("X-User-Roles", c.roles)
	}
}

func (c *client) get(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	c.setIdentity(req)
	return c.http.Do(req)
}

func (c *client) postJSON(path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setIdentity(req)
	return c.http.Do(req)
}

// printBody pretty-prints a JSON response body, or echoes it raw when it is
// not valid JSON.
func printBody(resp *http.Response) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
}

func cmdPublish(c *client, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	eventType := fs.String("type", "", "event type (required)")
	source := fs.String("source", "cctl", "event source")
	severity := fs.String("severity", "info", "severity: info | warning | error | critical")
	payload := fs.String("payload", "{}", "JSON payload object")
	fs.Parse(args)

	if *eventType == "" {
		return fmt.Errorf("publish: -type is required")
	}

	var payloadObj map[string]any
	if err := json.Unmarshal([]byte(*payload), &payloadObj); err != nil {
		return fmt.Errorf("publish: -payload is not a JSON object: %w", err)
	}

	resp, err := c.postJSON("/events/publish", map[string]any{
		"event_type": *eventType,
		"source":     *source,
		"severity":   *severity,
		"payload":    payloadObj,
	})
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	return printBody(resp)
}

// cmdTail streams /events/stream and prints each SSE data frame as a single
// line of JSON, optionally filtered to a set of event types.
func cmdTail(c *client, args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	types := fs.String("types", "", "comma-separated event types to show (default all)")
	fs.Parse(args)

	wanted := map[string]bool{}
	for _, t := range strings.Split(*types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			wanted[t] = true
		}
	}

	req, err := http.NewRequest(http.MethodGet, c.base+"/events/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setIdentity(req)

	// No timeout: the stream is long-lived by design.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "cctl: connected, waiting for events (Ctrl-C to stop)")

	var eventType string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if len(wanted) > 0 && !wanted[eventType] {
				continue
			}
			fmt.Println(strings.TrimPrefix(line, "data: "))
		}
		// Blank lines terminate a frame; comment lines are keepalives.
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream closed: %w", err)
	}
	return nil
}

func cmdRules(c *client) error {
	resp, err := c.get("/alerts/rules")
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	return printBody(resp)
}

func cmdHealth(c *client) error {
	resp, err := c.get("/ops/health")
	if err != nil {
		return err
	}
	// /ops/health returns 503 when degraded but still carries a JSON body.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return checkStatus(resp)
	}
	return printBody(resp)
}
