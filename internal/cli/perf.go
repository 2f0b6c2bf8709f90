package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/companion/internal/profile"
	"github.com/ent0n29/companion/internal/protocol"
)

type perfOptions struct {
	baseURL        string
	userID         string
	turns          int
	texts          []string
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	setupProfile   bool
}

var defaultPerfTexts = []string{
	"Reply in three words: how was your day?",
	"Reply in three words: favourite anime?",
	"Reply in three words: weekend plans?",
}

var perfFlags struct {
	textsRaw string
	opts     perfOptions
}

var perfCmd = &cobra.Command{
	Use:   "perf",
	Short: "Replay synthetic chat turns against a running server and report latency",
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts, err := perfFlags.opts.normalize(perfFlags.textsRaw)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 8*time.Minute)
		defer cancel()
		_, err = runPerf(ctx, opts, cmd.OutOrStdout())
		return err
	},
}

func init() {
	f := perfCmd.Flags()
	f.StringVar(&perfFlags.opts.baseURL, "base-url", "http://127.0.0.1:8080", "Server base URL")
	f.StringVar(&perfFlags.opts.userID, "user", "perf-replay", "User id for the synthetic conversation")
	f.IntVar(&perfFlags.opts.turns, "turns", 5, "Number of turns to replay")
	f.StringVar(&perfFlags.textsRaw, "texts", "", "Messages separated by '|'")
	f.DurationVar(&perfFlags.opts.interTurnDelay, "inter-turn", 200*time.Millisecond, "Delay between turns")
	f.DurationVar(&perfFlags.opts.turnTimeout, "turn-timeout", 70*time.Second, "Timeout waiting for each reply")
	f.BoolVar(&perfFlags.opts.setupProfile, "setup", true, "Write a synthetic profile before logging in")
	RootCmd.AddCommand(perfCmd)
}

func (o perfOptions) normalize(textsRaw string) (perfOptions, error) {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return o, fmt.Errorf("base-url is required")
	}
	if o.turns <= 0 {
		return o, fmt.Errorf("turns must be > 0")
	}
	if o.turnTimeout < time.Second {
		o.turnTimeout = time.Second
	}
	if o.interTurnDelay < 0 {
		o.interTurnDelay = 0
	}
	o.texts = nil
	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			o.texts = append(o.texts, t)
		}
	}
	if len(o.texts) == 0 {
		o.texts = append([]string(nil), defaultPerfTexts...)
	}
	return o, nil
}

// perfReport summarizes one replay.
type perfReport struct {
	Completed   int
	Failed      int
	RateLimited bool
	Latencies   []time.Duration
}

func (r perfReport) percentile(p float64) time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), r.Latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func runPerf(ctx context.Context, opts perfOptions, out io.Writer) (perfReport, error) {
	var report perfReport
	client := &http.Client{Timeout: 45 * time.Second}
	userBase := opts.baseURL + "/v1/users/" + url.PathEscape(opts.userID)

	if opts.setupProfile {
		setup := profile.Setup{
			PersonaName:        "Perf",
			PersonaNickname:    "Perfy",
			UserName:           "Replay",
			UserNickname:       "Rep",
			PersonaInterests:   "benchmarks",
			UserInterests:      "latency",
			PersonaPersonality: profile.DefaultPersonality,
		}
		if err := doJSON(ctx, client, http.MethodPut, userBase+"/profile", setup, http.StatusOK); err != nil {
			return report, fmt.Errorf("write profile: %w", err)
		}
	}
	if err := doJSON(ctx, client, http.MethodPost, userBase+"/session", nil, http.StatusOK, http.StatusCreated); err != nil {
		return report, fmt.Errorf("login: %w", err)
	}
	defer func() {
		_ = doJSON(context.Background(), client, http.MethodDelete, userBase+"/session", nil, http.StatusOK, http.StatusNotFound)
	}()

	wsURL, err := wsURLFor(opts.baseURL, opts.userID)
	if err != nil {
		return report, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return report, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan perfEvent, 32)
	go perfReadLoop(conn, events)

	fmt.Fprintf(out, "perf: user=%s turns=%d\n", opts.userID, opts.turns)
	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		msgID := uuid.NewString()
		start := time.Now()
		if err := conn.WriteJSON(protocol.UserMessage{Type: protocol.TypeUserMessage, Text: text, ClientMsgID: msgID}); err != nil {
			return report, fmt.Errorf("turn %d send: %w", i+1, err)
		}
		ev, err := awaitReply(ctx, events, msgID, opts.turnTimeout)
		if err != nil {
			return report, fmt.Errorf("turn %d: %w", i+1, err)
		}
		elapsed := time.Since(start)
		if ev.errCode == "rate_limited" {
			report.RateLimited = true
			fmt.Fprintf(out, "perf: turn %d rate limited: %s\n", i+1, ev.detail)
			break
		}
		if ev.errCode != "" {
			return report, fmt.Errorf("turn %d error_event code=%s detail=%s", i+1, ev.errCode, ev.detail)
		}
		report.Latencies = append(report.Latencies, elapsed)
		if ev.failed {
			report.Failed++
		} else {
			report.Completed++
		}
		fmt.Fprintf(out, "perf: turn %d/%d %dms failed=%t\n", i+1, opts.turns, elapsed.Milliseconds(), ev.failed)
		if opts.interTurnDelay > 0 && i < opts.turns-1 {
			time.Sleep(opts.interTurnDelay)
		}
	}

	fmt.Fprintf(out, "perf: completed=%d failed=%d p50=%dms p95=%dms\n",
		report.Completed, report.Failed, report.percentile(0.5).Milliseconds(), report.percentile(0.95).Milliseconds())
	return report, nil
}

type perfEvent struct {
	clientMsgID string
	sender      string
	failed      bool
	errCode     string
	detail      string
	readErr     error
}

func perfReadLoop(conn *websocket.Conn, events chan<- perfEvent) {
	defer close(events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			events <- perfEvent{readErr: err}
			return
		}
		var env struct {
			Type        protocol.MessageType `json:"type"`
			Turn        protocol.Turn        `json:"turn"`
			Failed      bool                 `json:"failed"`
			ClientMsgID string               `json:"client_msg_id"`
			Code        string               `json:"code"`
			Detail      string               `json:"detail"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeTurn:
			events <- perfEvent{clientMsgID: env.ClientMsgID, sender: env.Turn.Sender, failed: env.Failed}
		case protocol.TypeErrorEvent:
			events <- perfEvent{clientMsgID: env.ClientMsgID, errCode: env.Code, detail: env.Detail}
		}
	}
}

// awaitReply waits for the companion turn or error event answering msgID.
func awaitReply(ctx context.Context, events <-chan perfEvent, msgID string, timeout time.Duration) (perfEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return perfEvent{}, ctx.Err()
		case <-timer.C:
			return perfEvent{}, fmt.Errorf("timed out after %s", timeout)
		case ev, ok := <-events:
			if !ok {
				return perfEvent{}, fmt.Errorf("websocket closed")
			}
			if ev.readErr != nil {
				return perfEvent{}, fmt.Errorf("ws read: %w", ev.readErr)
			}
			if ev.clientMsgID != msgID {
				continue
			}
			if ev.errCode != "" || ev.sender == "assistant" {
				return ev, nil
			}
		}
	}
}

func wsURLFor(baseURL, userID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/users/" + userID + "/ws"
	return u.String(), nil
}

func doJSON(ctx context.Context, client *http.Client, method, target string, body any, want ...int) error {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	for _, code := range want {
		if res.StatusCode == code {
			return nil
		}
	}
	return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
}
