package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	adminURL := os.Getenv("AEGIS_ADMIN_URL")
	if adminURL == "" {
		adminURL = "http://127.0.0.1:9091"
	}

	switch os.Args[1] {
	case "status":
		cmdStatus(adminURL)
	case "reload":
		cmdReload(adminURL)
	case "rollback":
		cmdRollback(adminURL)
	case "cache-purge":
		cmdCachePurge(adminURL)
	case "peer-list":
		cmdPeerList(adminURL)
	case "version":
		fmt.Printf("aegisctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`AEGIS Node Control CLI v` + version + `

Usage: aegisctl <command> [flags]

Commands:
  status       Show the node's active configuration generation
  reload       Reload the configuration file the node was started with
  rollback     Roll back to a previously loaded generation
  cache-purge  Purge the node's response cache
  peer-list    Show the threat-intel gossip peer count
  version      Print version
  help         Show this help

Environment:
  AEGIS_ADMIN_URL   Admin API base URL (default: http://127.0.0.1:9091)

Examples:
  aegisctl status
  aegisctl rollback --to 3
  aegisctl cache-purge

Notes:
  There is no "blocklist-dump" subcommand: aegisd does not start the
  blocklist updater, so it holds no blocklist to snapshot.`)
}

func cmdStatus(adminURL string) {
	resp, err := doRequest("GET", adminURL+"/status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	var result map[string]any
	json.Unmarshal(resp, &result)

	fmt.Printf("generation:   %v\n", result["generation"])
	fmt.Printf("loaded_at:    %v\n", result["loaded_at"])
	fmt.Printf("source_file:  %v\n", result["source_file"])
	fmt.Printf("routes:       %v\n", result["route_count"])
	fmt.Printf("history:      %v\n", result["history"])
	fmt.Printf("gossip_peers: %v\n", result["gossip_peers"])
	fmt.Printf("node_pubkey:  %v\n", result["node_pub_hint"])
}

func cmdReload(adminURL string) {
	resp, err := doRequest("POST", adminURL+"/reload", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
		os.Exit(1)
	}
	var result map[string]any
	json.Unmarshal(resp, &result)
	fmt.Printf("reloaded, now at generation %v\n", result["generation"])
}

func cmdRollback(adminURL string) {
	if len(os.Args) < 4 || os.Args[2] != "--to" {
		fmt.Fprintln(os.Stderr, "Usage: aegisctl rollback --to <generation>")
		os.Exit(1)
	}
	target := os.Args[3]

	q := url.Values{}
	q.Set("to", target)
	resp, err := doRequest("POST", adminURL+"/rollback?"+q.Encode(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rollback failed: %v\n", err)
		os.Exit(1)
	}
	var result map[string]any
	json.Unmarshal(resp, &result)
	fmt.Printf("rolled back, now at generation %v\n", result["generation"])
}

func cmdCachePurge(adminURL string) {
	_, err := doRequest("POST", adminURL+"/cache/purge", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cache purge failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("cache purged")
}

func cmdPeerList(adminURL string) {
	resp, err := doRequest("GET", adminURL+"/peers", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	var result map[string]any
	json.Unmarshal(resp, &result)
	if v, ok := result["error"]; ok {
		fmt.Printf("gossip not available: %v\n", v)
		return
	}
	fmt.Printf("peer_count: %v\n", result["peer_count"])
}

func doRequest(method, reqURL string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var errBody map[string]any
		if jsonErr := json.Unmarshal(data, &errBody); jsonErr == nil {
			if msg, ok := errBody["error"]; ok {
				return nil, fmt.Errorf("%s (status %d)", msg, resp.StatusCode)
			}
		}
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return data, nil
}
