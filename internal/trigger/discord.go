package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vladkesler/agentd/internal/config"
	"github.com/vladkesler/agentd/internal/httpkit"
)

const (
	discordGatewayURL   = "wss://gateway.discord.gg/?v=10&encoding=json"
	discordAPIBase      = "https://discord.com/api/v10"
	discordMessageLimit = 2000

	// gateway opcodes
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11

	// gateway intents: GUILDS | GUILD_MESSAGES | DIRECT_MESSAGES | MESSAGE_CONTENT
	discordIntents = 1<<0 | 1<<9 | 1<<12 | 1<<15
)

// discordDriver speaks the Discord gateway protocol over a websocket
// and replies through the REST API. It reconnects with backoff until
// its context ends.
type discordDriver struct {
	token          string
	promptTemplate string
	channelIDs     map[string]bool
	allowedRoles   map[string]bool
	allowedUserIDs map[string]bool
	handler        Handler
	logger         *slog.Logger
	httpClient     *http.Client

	mu     sync.Mutex
	conn   *websocket.Conn
	seq    int64
	hasSeq bool
	botID  string
}

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  string          `json:"t"`
}

type discordMessage struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Content   string `json:"content"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"author"`
	Member struct {
		Roles []string `json:"roles"`
	} `json:"member"`
	Mentions []struct {
		ID string `json:"id"`
	} `json:"mentions"`
}

func newDiscordDriver(cfg config.Trigger, handler Handler, logger *slog.Logger) (Driver, error) {
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("discord token env %s is empty", cfg.TokenEnv)
	}

	toSet := func(items []string) map[string]bool {
		set := map[string]bool{}
		for _, it := range items {
			set[it] = true
		}
		return set
	}

	userIDs := map[string]bool{}
	for _, id := range cfg.AllowedUserIDs {
		userIDs[fmt.Sprintf("%d", id)] = true
	}

	return &discordDriver{
		token:          token,
		promptTemplate: cfg.PromptTemplate,
		channelIDs:     toSet(cfg.ChannelIDs),
		allowedRoles:   toSet(cfg.AllowedRoles),
		allowedUserIDs: userIDs,
		handler:        handler,
		logger:         logger,
		httpClient: httpkit.NewClient(
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}, nil
}

func (d *discordDriver) Name() string { return "discord" }

func (d *discordDriver) Start(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := d.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		d.logger.Warn("discord session ended, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

// session runs one gateway connection from dial to disconnect.
func (d *discordDriver) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, discordGatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	d.mu.Lock()
	d.conn = conn
	d.seq = 0
	d.hasSeq = false
	d.mu.Unlock()

	// first frame must be HELLO
	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return fmt.Errorf("parse hello: %w", err)
	}

	if err := d.identify(); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go d.heartbeatLoop(hbCtx, time.Duration(helloData.HeartbeatInterval)*time.Millisecond)

	// close the socket when ctx ends so ReadJSON unblocks
	go func() {
		<-hbCtx.Done()
		conn.Close()
	}()

	for {
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if payload.S != nil {
			d.mu.Lock()
			d.seq = *payload.S
			d.hasSeq = true
			d.mu.Unlock()
		}

		switch payload.Op {
		case opDispatch:
			d.dispatch(payload.T, payload.D)
		case opHeartbeat:
			d.sendHeartbeat()
		case opReconnect:
			return fmt.Errorf("gateway requested reconnect")
		case opInvalidSession:
			return fmt.Errorf("gateway invalidated session")
		case opHeartbeatACK:
			// nothing to do
		}
	}
}

func (d *discordDriver) identify() error {
	return d.writeJSON(map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   d.token,
			"intents": discordIntents,
			"properties": map[string]string{
				"os":      runtime.GOOS,
				"browser": "agentd",
				"device":  "agentd",
			},
		},
	})
}

func (d *discordDriver) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.sendHeartbeat(); err != nil {
				return
			}
		}
	}
}

func (d *discordDriver) sendHeartbeat() error {
	d.mu.Lock()
	var seq any
	if d.hasSeq {
		seq = d.seq
	}
	d.mu.Unlock()
	return d.writeJSON(map[string]any{"op": opHeartbeat, "d": seq})
}

func (d *discordDriver) writeJSON(v any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return fmt.Errorf("not connected")
	}
	return d.conn.WriteJSON(v)
}

func (d *discordDriver) dispatch(event string, data json.RawMessage) {
	switch event {
	case "READY":
		var ready struct {
			User struct {
				ID       string `json:"id"`
				Username string `json:"username"`
			} `json:"user"`
		}
		if err := json.Unmarshal(data, &ready); err != nil {
			d.logger.Warn("cannot parse ready", "error", err)
			return
		}
		d.mu.Lock()
		d.botID = ready.User.ID
		d.mu.Unlock()
		d.logger.Info("discord connected", "bot", ready.User.Username)

	case "MESSAGE_CREATE":
		var msg discordMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			d.logger.Warn("cannot parse message", "error", err)
			return
		}
		d.handleMessage(&msg)
	}
}

func (d *discordDriver) handleMessage(msg *discordMessage) {
	d.mu.Lock()
	botID := d.botID
	d.mu.Unlock()

	if msg.Author.Bot || msg.Author.ID == botID {
		return
	}

	isDM := msg.GuildID == ""
	if !d.accessAllowed(msg, isDM) {
		d.logger.Debug("discord message filtered",
			"author", msg.Author.Username,
			"channel", msg.ChannelID,
		)
		return
	}

	// in guild channels the bot only answers when mentioned
	if !isDM && !d.mentioned(msg, botID) {
		return
	}

	content := stripMention(msg.Content, botID)
	if content == "" {
		return
	}

	prompt := renderTemplate(d.promptTemplate, map[string]string{
		"message": content,
		"user":    msg.Author.Username,
	})

	ev := NewEvent(TypeDiscord, prompt, map[string]string{
		"channel_id": msg.ChannelID,
		"user":       msg.Author.Username,
		"user_id":    msg.Author.ID,
		"guild_id":   msg.GuildID,
	})
	channelID := msg.ChannelID
	ev.Reply = func(text string) error {
		return d.sendReply(channelID, text)
	}

	d.logger.Info("discord message received",
		"channel", msg.ChannelID,
		"user", msg.Author.Username,
		"dm", isDM,
	)
	d.handler(ev)
}

// accessAllowed applies the configured filters.
//
// DMs pass when no user-id filter is set or the author is listed; a
// config that filters on roles alone denies DMs since roles only exist
// inside guilds. Guild messages must come from a listed channel (when
// channels are listed) and from an author matching the union of role
// and user-id filters (when either is set).
func (d *discordDriver) accessAllowed(msg *discordMessage, isDM bool) bool {
	if isDM {
		if len(d.allowedUserIDs) > 0 {
			return d.allowedUserIDs[msg.Author.ID]
		}
		if len(d.allowedRoles) > 0 {
			return false
		}
		return true
	}

	if len(d.channelIDs) > 0 && !d.channelIDs[msg.ChannelID] {
		return false
	}
	if len(d.allowedRoles) == 0 && len(d.allowedUserIDs) == 0 {
		return true
	}
	if d.allowedUserIDs[msg.Author.ID] {
		return true
	}
	for _, role := range msg.Member.Roles {
		if d.allowedRoles[role] {
			return true
		}
	}
	return false
}

func (d *discordDriver) mentioned(msg *discordMessage, botID string) bool {
	for _, m := range msg.Mentions {
		if m.ID == botID {
			return true
		}
	}
	return false
}

// stripMention removes the bot's mention tokens and trims the result.
func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

// sendReply posts text to a channel through the REST API, chunked to
// the message limit.
func (d *discordDriver) sendReply(channelID, text string) error {
	for _, chunk := range SplitMessage(text, discordMessageLimit) {
		body, err := json.Marshal(map[string]string{"content": chunk})
		if err != nil {
			return err
		}

		url := fmt.Sprintf("%s/channels/%s/messages", discordAPIBase, channelID)
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+d.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
		httpkit.DrainAndClose(resp.Body)
		if resp.StatusCode >= 300 {
			return fmt.Errorf("discord send: status %d", resp.StatusCode)
		}
	}
	return nil
}
