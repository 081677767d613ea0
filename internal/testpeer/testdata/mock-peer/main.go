//go:build ignore

// Command mock-peer is a scripted JSON-RPC 2.0 peer for integration tests.
// It reads requests on stdin and answers on stdout; every received method is
// also logged to stderr.
//
// Methods:
//
//	ping       result "pong"
//	echo       result = params
//	sleep      {"ms":N} reply after N ms (concurrently with other requests)
//	fail       {"code":C,"message":M} reply with a JSON-RPC error
//	exit       {"code":C} exit without replying
//	notify     send a "progress" notification carrying params, then reply true
//	ask        {"method":M,"params":P} send a request to the client and reply
//	           with the client's response object
//	env        {"name":N} result = value of env var N
//	big        {"bytes":N} result is a string of N 'x' characters
//	stringid   reply using the request id as a JSON string
//	dup        reply twice, then send a response for an id never issued
//	isatty     result true when stdin is a character device
//
// Environment variables:
//
//	MOCK_PEER_MODE=reverse   hold replies until MOCK_PEER_BATCH requests
//	                         arrived, then answer in reverse order
//	MOCK_PEER_MODE=silent    never reply
//	MOCK_PEER_MODE=crash     exit 3 on the first request
//	MOCK_PEER_FRAMING=header read and write Content-Length framing
//	MOCK_PEER_BANNER=text    print text and a blank line before anything else
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var (
	mode   = os.Getenv("MOCK_PEER_MODE")
	header = os.Getenv("MOCK_PEER_FRAMING") == "header"

	outMu sync.Mutex

	askMu   sync.Mutex
	askNext int64
	asks    = map[string]chan message{}
)

func main() {
	if banner := os.Getenv("MOCK_PEER_BANNER"); banner != "" {
		fmt.Fprintf(os.Stdout, "%s\n\n", banner)
	}

	batch, _ := strconv.Atoi(os.Getenv("MOCK_PEER_BATCH"))
	var held []message

	in := bufio.NewReaderSize(os.Stdin, 64*1024)
	for {
		raw, err := readFrame(in)
		if err != nil {
			return
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "mock-peer: bad frame: %v\n", err)
			continue
		}

		if msg.Method == "" {
			// Response to one of our "ask" requests.
			askMu.Lock()
			ch := asks[string(msg.ID)]
			delete(asks, string(msg.ID))
			askMu.Unlock()
			if ch != nil {
				ch <- msg
			}
			continue
		}

		fmt.Fprintf(os.Stderr, "mock-peer: got %s\n", msg.Method)
		if msg.ID == nil {
			continue // notification
		}

		switch mode {
		case "silent":
			continue
		case "crash":
			os.Exit(3)
		case "reverse":
			held = append(held, msg)
			if len(held) >= batch {
				for i := len(held) - 1; i >= 0; i-- {
					handle(held[i])
				}
				held = held[:0]
			}
			continue
		}

		if msg.Method == "sleep" || msg.Method == "ask" {
			go handle(msg)
			continue
		}
		handle(msg)
	}
}

func handle(msg message) {
	switch msg.Method {
	case "ping":
		reply(msg.ID, "pong")
	case "echo":
		if msg.Params == nil {
			reply(msg.ID, nil)
			return
		}
		reply(msg.ID, msg.Params)
	case "sleep":
		var p struct{ Ms int }
		_ = json.Unmarshal(msg.Params, &p)
		time.Sleep(time.Duration(p.Ms) * time.Millisecond)
		reply(msg.ID, p.Ms)
	case "fail":
		var p rpcError
		_ = json.Unmarshal(msg.Params, &p)
		write(message{JSONRPC: "2.0", ID: msg.ID, Error: &p})
	case "exit":
		var p struct{ Code int }
		_ = json.Unmarshal(msg.Params, &p)
		os.Exit(p.Code)
	case "notify":
		write(message{JSONRPC: "2.0", Method: "progress", Params: msg.Params})
		reply(msg.ID, true)
	case "ask":
		ask(msg)
	case "env":
		var p struct{ Name string }
		_ = json.Unmarshal(msg.Params, &p)
		reply(msg.ID, os.Getenv(p.Name))
	case "big":
		var p struct{ Bytes int }
		_ = json.Unmarshal(msg.Params, &p)
		reply(msg.ID, strings.Repeat("x", p.Bytes))
	case "stringid":
		id := strconv.Quote(string(msg.ID))
		reply(json.RawMessage(id), "string")
	case "dup":
		reply(msg.ID, "first")
		reply(msg.ID, "second")
		reply(json.RawMessage("9999"), "stray")
	case "isatty":
		fi, err := os.Stdin.Stat()
		reply(msg.ID, err == nil && fi.Mode()&os.ModeCharDevice != 0)
	default:
		write(message{JSONRPC: "2.0", ID: msg.ID, Error: &rpcError{Code: -32601, Message: "method not found"}})
	}
}

// ask sends a request to the client and forwards the client's response
// object as the result.
func ask(msg message) {
	var p struct {
		Method string
		Params json.RawMessage
	}
	_ = json.Unmarshal(msg.Params, &p)

	askMu.Lock()
	askNext++
	id := json.RawMessage(`"ask-` + strconv.FormatInt(askNext, 10) + `"`)
	ch := make(chan message, 1)
	asks[string(id)] = ch
	askMu.Unlock()

	write(message{JSONRPC: "2.0", Method: p.Method, Params: p.Params, ID: id})
	resp := <-ch
	resp.ID = nil
	reply(msg.ID, resp)
}

func reply(id json.RawMessage, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-peer: marshal: %v\n", err)
		return
	}
	write(message{JSONRPC: "2.0", ID: id, Result: data})
}

func write(msg message) {
	data, err := json.Marshal(msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-peer: marshal: %v\n", err)
		return
	}
	outMu.Lock()
	defer outMu.Unlock()
	if header {
		fmt.Fprintf(os.Stdout, "Content-Length: %d\r\n\r\n", len(data))
		os.Stdout.Write(data)
		return
	}
	os.Stdout.Write(append(data, '\n'))
}

// readFrame returns the next frame from r in the configured framing.
func readFrame(r *bufio.Reader) ([]byte, error) {
	if !header {
		for {
			line, err := r.ReadBytes('\n')
			line = []byte(strings.TrimSpace(string(line)))
			if len(line) > 0 {
				return line, nil
			}
			if err != nil {
				return nil, err
			}
		}
	}

	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if length >= 0 {
				break
			}
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "content-length") {
			length, _ = strconv.Atoi(strings.TrimSpace(v))
		}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
