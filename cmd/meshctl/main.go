// meshctl queries a running meshd node over its operator HTTP surface.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	nodeURL := os.Getenv("MESH_NODE_URL")
	if nodeURL == "" {
		nodeURL = "http://localhost:7430"
	}
	token := os.Getenv("MESH_API_TOKEN")

	switch os.Args[1] {
	case "status":
		cmdStatus(nodeURL, token)
	case "peers":
		cmdPeers(nodeURL, token)
	case "reputation":
		cmdReputation(nodeURL, token)
	case "escrow":
		cmdEscrow(nodeURL, token)
	case "version":
		fmt.Printf("meshctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Delegation Mesh CLI v` + version + `

Usage: meshctl <command> [args]

Commands:
  status                  Node identity, peer counts, journal health
  peers                   List the node's peer table
  reputation <node-id>    Reputation record and trust score for a peer
  escrow <node-id>        Escrow account and free balance for a peer
  version                 Print version
  help                    Show this help

Environment:
  MESH_NODE_URL    Node base URL (default: http://localhost:7430)
  MESH_API_TOKEN   Bearer token when the node requires auth

Examples:
  meshctl status
  meshctl peers
  meshctl reputation node-b
  meshctl escrow node-b`)
}

func cmdStatus(nodeURL, token string) {
	resp := mustGet(nodeURL+"/api/status", token)

	var status struct {
		Identity struct {
			NodeID       string   `json:"node_id"`
			DisplayName  string   `json:"display_name"`
			APIURL       string   `json:"api_url"`
			Capabilities []string `json:"capabilities"`
		} `json:"identity"`
		PeersKnown       int      `json:"peers_known"`
		PeersActive      int      `json:"peers_active"`
		EscrowSinkUSD    float64  `json:"escrow_sink_usd"`
		EventClients     int      `json:"event_clients"`
		QuarantinedPeers []string `json:"quarantined_peers"`
		Journal          struct {
			Writable      bool  `json:"writable"`
			FileSizeBytes int64 `json:"file_size_bytes"`
		} `json:"journal"`
	}
	mustDecode(resp, &status)

	fmt.Printf("Node:         %s (%s)\n", status.Identity.NodeID, status.Identity.DisplayName)
	fmt.Printf("URL:          %s\n", status.Identity.APIURL)
	fmt.Printf("Capabilities: %v\n", status.Identity.Capabilities)
	fmt.Printf("Peers:        %d known, %d active\n", status.PeersKnown, status.PeersActive)
	fmt.Printf("Quarantined:  %v\n", status.QuarantinedPeers)
	fmt.Printf("Sink:         $%.4f\n", status.EscrowSinkUSD)
	fmt.Printf("Journal:      writable=%v size=%dB\n", status.Journal.Writable, status.Journal.FileSizeBytes)
}

func cmdPeers(nodeURL, token string) {
	resp := mustGet(nodeURL+"/api/peers", token)

	var peers []struct {
		Identity struct {
			NodeID string `json:"node_id"`
			APIURL string `json:"api_url"`
		} `json:"identity"`
		Status              string    `json:"status"`
		LastHeartbeatAt     time.Time `json:"last_heartbeat_at"`
		LastLatencyMs       float64   `json:"last_latency_ms"`
		ConsecutiveFailures int       `json:"consecutive_failures"`
	}
	mustDecode(resp, &peers)

	if len(peers) == 0 {
		fmt.Println("No peers known.")
		return
	}
	fmt.Printf("%-16s %-12s %-28s %10s %6s\n", "NODE", "STATUS", "API URL", "LATENCY", "FAILS")
	for _, p := range peers {
		fmt.Printf("%-16s %-12s %-28s %8.1fms %6d\n",
			p.Identity.NodeID, p.Status, p.Identity.APIURL, p.LastLatencyMs, p.ConsecutiveFailures)
	}
}

func cmdReputation(nodeURL, token string) {
	nodeID := requireArg("reputation")
	resp := mustGet(nodeURL+"/api/reputation/"+nodeID, token)

	var result struct {
		Reputation struct {
			TasksCompleted       int     `json:"tasks_completed"`
			TasksFailed          int     `json:"tasks_failed"`
			TasksAborted         int     `json:"tasks_aborted"`
			TotalCostUSD         float64 `json:"total_cost_usd"`
			ConsecutiveSuccesses int     `json:"consecutive_successes"`
			ConsecutiveFailures  int     `json:"consecutive_failures"`
		} `json:"reputation"`
		TrustScore float64 `json:"trust_score"`
		Tier       string  `json:"tier"`
	}
	mustDecode(resp, &result)

	r := result.Reputation
	fmt.Printf("Node:      %s\n", nodeID)
	fmt.Printf("Trust:     %.4f (tier %s)\n", result.TrustScore, result.Tier)
	fmt.Printf("Outcomes:  %d completed, %d failed, %d aborted\n",
		r.TasksCompleted, r.TasksFailed, r.TasksAborted)
	fmt.Printf("Streak:    %d successes, %d failures\n",
		r.ConsecutiveSuccesses, r.ConsecutiveFailures)
	fmt.Printf("Cost:      $%.4f total\n", r.TotalCostUSD)
}

func cmdEscrow(nodeURL, token string) {
	nodeID := requireArg("escrow")
	resp := mustGet(nodeURL+"/api/escrow/"+nodeID, token)

	var result struct {
		Account struct {
			FreeBalance float64            `json:"free_balance"`
			Held        map[string]float64 `json:"held"`
		} `json:"account"`
		FreeBalance float64 `json:"free_balance"`
	}
	mustDecode(resp, &result)

	fmt.Printf("Node:    %s\n", nodeID)
	fmt.Printf("Free:    $%.4f\n", result.FreeBalance)
	if len(result.Account.Held) == 0 {
		fmt.Println("Held:    none")
		return
	}
	fmt.Println("Held:")
	for taskID, amount := range result.Account.Held {
		fmt.Printf("  %s  $%.4f\n", taskID, amount)
	}
}

func requireArg(command string) string {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: meshctl %s <node-id>\n", command)
		os.Exit(1)
	}
	return os.Args[2]
}

func mustGet(url, token string) []byte {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read failed: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Node answered %d: %s\n", resp.StatusCode, body)
		os.Exit(1)
	}
	return body
}

func mustDecode(body []byte, out any) {
	if err := json.Unmarshal(body, out); err != nil {
		fmt.Fprintf(os.Stderr, "Decode failed: %v\n", err)
		os.Exit(1)
	}
}
