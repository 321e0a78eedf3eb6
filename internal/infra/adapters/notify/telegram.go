package notify

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/domain/ports/adapter"
)

var _ adapter.Notifier = (*TelegramNotifier)(nil)

// TelegramNotifier posts a short message to a fixed chat when a run ends.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if token == "" || chatID == 0 {
		return nil, errors.New("telegram token and chat id required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *TelegramNotifier) NotifyRunFinished(_ context.Context, run *model.AutomationRun) error {
	var text string
	switch run.Status {
	case model.RunStatusCompleted:
		text = fmt.Sprintf("✅ Storybook for %q is ready (run %s)", run.SubjectName, run.ID)
	case model.RunStatusFailed:
		text = fmt.Sprintf("❌ Run %s for %q failed: %s", run.ID, run.SubjectName, run.Error)
	default:
		return nil
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	_, err := n.bot.Send(msg)
	return err
}
