package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"escrowmarket/crypto"
)

var rpcEndpoint = defaultRPCEndpoint()
var rpcAuthToken = os.Getenv("MARKET_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	rest := args[1:]
	switch command {
	case "generate-key":
		generateKey()
	case "add-type":
		runRewardCommand("market_addType", rest)
	case "change-type":
		runRewardCommand("market_changeType", rest)
	case "remove-type":
		if len(rest) < 2 {
			fatal("usage: market-cli remove-type <caller> <name>")
		}
		call("market_removeType", map[string]string{"caller": rest[0], "name": rest[1]}, true)
	case "offer":
		if len(rest) < 3 {
			fatal("usage: market-cli offer <caller> <reward-type> <price>")
		}
		call("market_offer", map[string]string{"caller": rest[0], "rewardType": rest[1], "price": rest[2]}, false)
	case "bid":
		if len(rest) < 3 {
			fatal("usage: market-cli bid <caller> <item-id> <amount>")
		}
		call("market_bid", map[string]interface{}{"caller": rest[0], "id": parseID(rest[1]), "amount": rest[2]}, false)
	case "initiate-transfer":
		runItemCommand("market_initiateTransfer", rest)
	case "confirm":
		runItemCommand("market_confirm", rest)
	case "sweep":
		runItemCommand("market_sweep", rest)
	case "state":
		call("market_getState", map[string]string{}, false)
	case "item":
		if len(rest) < 1 {
			fatal("usage: market-cli item <item-id>")
		}
		call("market_getItem", map[string]interface{}{"id": parseID(rest[0])}, false)
	case "slash-record":
		if len(rest) < 1 {
			fatal("usage: market-cli slash-record <item-id>")
		}
		call("market_getSlashRecord", map[string]interface{}{"id": parseID(rest[0])}, false)
	case "balance":
		if len(rest) < 1 {
			fatal("usage: market-cli balance <address>")
		}
		call("market_getBalance", map[string]string{"address": rest[0]}, false)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runRewardCommand(method string, args []string) {
	if len(args) < 6 {
		fatal("usage: market-cli " + commandName(method) + " <caller> <name> <slashing-bps> <commission-bps> <transfer-window> <confirm-window> [slash-sink] [commission-sink]")
	}
	params := map[string]interface{}{
		"caller":         args[0],
		"name":           args[1],
		"slashingBps":    parseUint32(args[2]),
		"commissionBps":  parseUint32(args[3]),
		"transferWindow": parseID(args[4]),
		"confirmWindow":  parseID(args[5]),
	}
	if len(args) > 6 {
		params["slashSink"] = args[6]
	}
	if len(args) > 7 {
		params["commissionSink"] = args[7]
	}
	call(method, params, true)
}

func runItemCommand(method string, args []string) {
	if len(args) < 2 {
		fatal("usage: market-cli " + commandName(method) + " <caller> <item-id>")
	}
	call(method, map[string]interface{}{"caller": args[0], "id": parseID(args[1])}, false)
}

func commandName(method string) string {
	name := strings.TrimPrefix(method, "market_")
	var out strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				out.WriteByte('-')
			}
			out.WriteRune(r - 'A' + 'a')
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

func generateKey() {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fatal(fmt.Sprintf("failed to generate key: %v", err))
	}
	const keyFile = "wallet.key"
	if _, err := os.Stat(keyFile); err == nil {
		fatal(keyFile + " already exists, refusing to overwrite")
	}
	if err := os.WriteFile(keyFile, key.Bytes(), 0o600); err != nil {
		fatal(fmt.Sprintf("failed to write %s: %v", keyFile, err))
	}
	fmt.Printf("New key saved to %s\n", keyFile)
	fmt.Printf("Address: %s\n", key.PubKey().Address().String())
}

func parseID(value string) uint64 {
	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		fatal(fmt.Sprintf("invalid number %q", value))
	}
	return id
}

func parseUint32(value string) uint32 {
	v, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		fatal(fmt.Sprintf("invalid number %q", value))
	}
	return uint32(v)
}

func call(method string, param interface{}, requireAuth bool) {
	result, err := callRPC(method, param, requireAuth)
	if err != nil {
		fatal(err.Error())
	}
	printJSONResult(result)
}

func callRPC(method string, param interface{}, requireAuth bool) (json.RawMessage, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []interface{}{param},
	}
	body, _ := json.Marshal(payload)
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int         `json:"code"`
			Message string      `json:"message"`
			Data    interface{} `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from server")
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Data != nil {
			return nil, fmt.Errorf("error from server: %s (%v)", rpcResp.Error.Message, rpcResp.Error.Data)
		}
		return nil, fmt.Errorf("error from server: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires MARKET_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func printJSONResult(result json.RawMessage) {
	if len(result) == 0 {
		fmt.Println("No result.")
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(buf.String())
}

func defaultRPCEndpoint() string {
	if url := strings.TrimSpace(os.Getenv("RPC_URL")); url != "" {
		return url
	}
	return "http://127.0.0.1:8561"
}

func applyGlobalFlags(args []string) ([]string, error) {
	remaining := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--rpc":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--rpc requires a URL argument")
			}
			i++
			rpcEndpoint = args[i]
		case strings.HasPrefix(arg, "--rpc="):
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
		default:
			remaining = append(remaining, arg)
		}
	}
	if strings.TrimSpace(rpcEndpoint) == "" {
		return nil, fmt.Errorf("rpc endpoint must not be empty")
	}
	return remaining, nil
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("Usage: market-cli [--rpc <url>] <command> [args]")
	fmt.Println()
	fmt.Println("Key management:")
	fmt.Println("  generate-key                                   Generate a new wallet key")
	fmt.Println()
	fmt.Println("Owner commands (require MARKET_RPC_TOKEN):")
	fmt.Println("  add-type <caller> <name> <slashing-bps> <commission-bps> <transfer-window> <confirm-window> [slash-sink] [commission-sink]")
	fmt.Println("  change-type <caller> <name> <slashing-bps> <commission-bps> <transfer-window> <confirm-window> [slash-sink] [commission-sink]")
	fmt.Println("  remove-type <caller> <name>")
	fmt.Println()
	fmt.Println("Marketplace commands:")
	fmt.Println("  offer <caller> <reward-type> <price>           List an item for sale")
	fmt.Println("  bid <caller> <item-id> <amount>                Escrow funds against an offered item")
	fmt.Println("  initiate-transfer <caller> <item-id>           Buyer acknowledges delivery is under way")
	fmt.Println("  confirm <caller> <item-id>                     Settle the escrow and mark the item sold")
	fmt.Println("  sweep <caller> <item-id>                       Resolve an expired escrow")
	fmt.Println()
	fmt.Println("Queries:")
	fmt.Println("  state                                          Full contract snapshot")
	fmt.Println("  item <item-id>                                 Single item by id")
	fmt.Println("  slash-record <item-id>                         Archived slash record")
	fmt.Println("  balance <address>                              Account balance")
}
