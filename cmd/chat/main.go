package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

func main() {
	server := pflag.StringP("server", "s", "http://localhost:8080", "turnkeeper server URL")
	user := pflag.StringP("user", "u", "cli-user", "user id sent with each turn")
	conv := pflag.String("conversation", "", "conversation id (random when empty)")
	pflag.Parse()
	if *conv == "" {
		*conv = uuid.NewString()
	}

	fmt.Println("turnkeeper CLI chat")
	fmt.Printf("Server: %s | User: %s | Conversation: %s\n", *server, *user, *conv)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /usage, /history, /reset")
	fmt.Println("---")

	base := *server + "/api/conversations/" + *conv
	client := &http.Client{Timeout: 120 * time.Second}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		switch input {
		case "exit", "quit":
			fmt.Println("Bye!")
			return
		case "/usage":
			fetchUsage(client, base)
		case "/history":
			fetchHistory(client, base)
		case "/reset":
			resetConversation(client, base)
		default:
			sendMessage(client, base, *user, input)
		}
	}
}

type usageBody struct {
	Usage *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
		TotalTokens  int64 `json:"total_tokens"`
	} `json:"usage"`
}

func fetchUsage(client *http.Client, base string) {
	var body usageBody
	if !call(client, http.MethodGet, base+"/usage", nil, &body) {
		return
	}
	if body.Usage == nil {
		fmt.Println("No usage recorded.")
		return
	}
	fmt.Printf("Tokens: input %d, output %d, total %d\n",
		body.Usage.InputTokens, body.Usage.OutputTokens, body.Usage.TotalTokens)
}

func fetchHistory(client *http.Client, base string) {
	var body struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if !call(client, http.MethodGet, base+"/messages", nil, &body) {
		return
	}
	if len(body.Messages) == 0 {
		fmt.Println("No messages yet.")
		return
	}
	for _, m := range body.Messages {
		fmt.Printf("\033[36m[%s]\033[0m %s\n", m.Role, m.Content)
	}
}

func resetConversation(client *http.Client, base string) {
	if call(client, http.MethodDelete, base+"/", nil, nil) {
		fmt.Println("Conversation reset.")
	}
}

func sendMessage(client *http.Client, base, user, content string) {
	var result struct {
		Reply   string `json:"reply"`
		Intent  string `json:"intent"`
		Refused bool   `json:"refused"`
		Total   *struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"total"`
	}
	req := map[string]string{"user_id": user, "message": content}
	if !call(client, http.MethodPost, base+"/chat", req, &result) {
		return
	}
	if result.Refused {
		fmt.Printf("\033[33m%s\033[0m\n", result.Reply)
		return
	}
	fmt.Println(result.Reply)
	if result.Total != nil {
		fmt.Printf("\033[90m(%s, %d tokens so far)\033[0m\n", result.Intent, result.Total.TotalTokens)
	}
}

// call sends a JSON request and decodes a JSON response into out.
func call(client *http.Client, method, url string, in, out interface{}) bool {
	var body io.Reader
	if in != nil {
		data, _ := json.Marshal(in)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		printError("Bad request: %v", err)
		return false
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		printError("Request failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return false
	}
	if out == nil {
		return true
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		printError("Failed to parse response: %v", err)
		return false
	}
	return true
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
