package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"workflow-orchestrator/internal/logging"
)

var sample = Escalation{
	EventID:      "rec-1",
	WorkflowID:   "wf-1",
	RunID:        "run-1",
	StepID:       "s2",
	ErrorType:    "http_503",
	ErrorMessage: "http status 503",
	Attempts:     3,
	At:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
}

type mockTelegram struct{ mock.Mock }

func (m *mockTelegram) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	args := m.Called(ctx, params)
	msg, _ := args.Get(0).(*tgmodels.Message)
	return msg, args.Error(1)
}

type mockDiscord struct{ mock.Mock }

func (m *mockDiscord) ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	args := m.Called(channelID, content)
	msg, _ := args.Get(0).(*discordgo.Message)
	return msg, args.Error(1)
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, Escalation) error {
	c.calls++
	return c.err
}

func TestEscalationText(t *testing.T) {
	text := sample.Text()
	assert.Contains(t, text, "after 3 attempts")
	assert.Contains(t, text, "workflow: wf-1")
	assert.Contains(t, text, "step: s2")
	assert.Contains(t, text, "run: run-1")
	assert.Contains(t, text, "error (http_503): http status 503")

	noRun := sample
	noRun.RunID = ""
	assert.NotContains(t, noRun.Text(), "run:")
}

func TestTelegramNotify(t *testing.T) {
	sender := &mockTelegram{}
	sender.On("SendMessage", mock.Anything, mock.MatchedBy(func(p *bot.SendMessageParams) bool {
		return p.ChatID == int64(42) && p.Text == sample.Text()
	})).Return(&tgmodels.Message{}, nil).Once()

	n := &Telegram{sender: sender, chatID: 42}
	require.NoError(t, n.Notify(context.Background(), sample))
	sender.AssertExpectations(t)
}

func TestTelegramNotify_RetriesThenFails(t *testing.T) {
	sender := &mockTelegram{}
	sender.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errors.New("down"))

	n := &Telegram{sender: sender, chatID: 42}
	err := n.Notify(context.Background(), sample)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram escalation")
	sender.AssertNumberOfCalls(t, "SendMessage", sendAttempts)
}

func TestDiscordNotify(t *testing.T) {
	sender := &mockDiscord{}
	sender.On("ChannelMessageSend", "chan-1", mock.MatchedBy(func(content string) bool {
		return bytes.Contains([]byte(content), []byte("step: s2"))
	})).Return(&discordgo.Message{}, nil).Once()

	n := &Discord{sender: sender, channelID: "chan-1"}
	require.NoError(t, n.Notify(context.Background(), sample))
	sender.AssertExpectations(t)
}

func TestLogNotify(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(logging.New("info", "json", &buf))
	require.NoError(t, n.Notify(context.Background(), sample))
	assert.Contains(t, buf.String(), `"event_id":"rec-1"`)
	assert.Contains(t, buf.String(), "recovery escalated")
}

func TestMulti(t *testing.T) {
	ok := &countingNotifier{}
	failing := &countingNotifier{err: errors.New("nope")}

	err := Multi{failing, ok}.Notify(context.Background(), sample)
	assert.Error(t, err)
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, failing.calls)

	assert.NoError(t, Multi{}.Notify(context.Background(), sample))
}
