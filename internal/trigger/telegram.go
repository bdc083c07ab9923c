package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/vladkesler/agentd/internal/config"
)

// telegramMessageLimit is Telegram's hard cap per sendMessage call.
const telegramMessageLimit = 4096

// telegramDriver long-polls the Bot API and emits one conversational
// event per allowed incoming message. Replies are chunked and sent back
// to the originating chat.
type telegramDriver struct {
	bot            *tgbotapi.BotAPI
	promptTemplate string
	allowedUsers   map[string]bool
	allowedIDs     map[int64]bool
	handler        Handler
	logger         *slog.Logger
}

func newTelegramDriver(cfg config.Trigger, handler Handler, logger *slog.Logger) (Driver, error) {
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("telegram token env %s is empty", cfg.TokenEnv)
	}

	client := &http.Client{Timeout: 100 * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}

	users := map[string]bool{}
	for _, u := range cfg.AllowedUsers {
		users[strings.ToLower(strings.TrimPrefix(u, "@"))] = true
	}
	ids := map[int64]bool{}
	for _, id := range cfg.AllowedUserIDs {
		ids[id] = true
	}

	return &telegramDriver{
		bot:            bot,
		promptTemplate: cfg.PromptTemplate,
		allowedUsers:   users,
		allowedIDs:     ids,
		handler:        handler,
		logger:         logger,
	}, nil
}

func (t *telegramDriver) Name() string { return "telegram" }

func (t *telegramDriver) Start(ctx context.Context) error {
	t.logger.Info("telegram connected", "bot", t.bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		t.bot.StopReceivingUpdates()
	}()

	for update := range updates {
		if ctx.Err() != nil {
			return nil
		}
		msg := update.Message
		if msg == nil || msg.Text == "" {
			continue
		}
		if !t.allowed(msg.From) {
			t.logger.Warn("telegram message from unauthorized sender dropped",
				"user", senderLabel(msg.From),
			)
			continue
		}
		t.emit(msg)
	}
	return nil
}

// allowed applies the union allowlist: a sender passes when their
// username or numeric id is listed. Empty lists allow everyone.
func (t *telegramDriver) allowed(from *tgbotapi.User) bool {
	if from == nil {
		return false
	}
	if len(t.allowedUsers) == 0 && len(t.allowedIDs) == 0 {
		return true
	}
	if t.allowedUsers[strings.ToLower(from.UserName)] {
		return true
	}
	return t.allowedIDs[from.ID]
}

func (t *telegramDriver) emit(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	prompt := renderTemplate(t.promptTemplate, map[string]string{
		"message": msg.Text,
		"user":    senderLabel(msg.From),
	})

	meta := map[string]string{
		"chat_id": strconv.FormatInt(chatID, 10),
		"user":    senderLabel(msg.From),
	}
	if msg.From != nil {
		meta["user_id"] = strconv.FormatInt(msg.From.ID, 10)
	}
	ev := NewEvent(TypeTelegram, prompt, meta)
	ev.Reply = func(text string) error {
		for _, chunk := range SplitMessage(text, telegramMessageLimit) {
			if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
				return fmt.Errorf("telegram send: %w", err)
			}
		}
		return nil
	}

	t.logger.Info("telegram message received", "chat_id", chatID, "user", senderLabel(msg.From))
	t.handler(ev)
}

func senderLabel(from *tgbotapi.User) string {
	if from == nil {
		return "unknown"
	}
	if from.UserName != "" {
		return from.UserName
	}
	return strconv.FormatInt(from.ID, 10)
}
