package discord

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"
)

func messageCreate(channelID, authorID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: channelID,
		Content:   content,
		Author:    &discordgo.User{ID: authorID},
	}}
}

type recordingPoster struct {
	mu    sync.Mutex
	posts []channel.Target
	texts []string
}

func (p *recordingPoster) Post(_ context.Context, target channel.Target, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, target)
	p.texts = append(p.texts, text)
	return nil
}

func TestDecodeMessage(t *testing.T) {
	in, ok := decodeMessage(messageCreate("D1", "U1", "<@42> ping"), "42")
	require.True(t, ok)
	require.Equal(t, channel.Inbound{Channel: "D1", Author: "U1", Text: "<@42> ping"}, in)

	_, ok = decodeMessage(messageCreate("D1", "42", "my own reply"), "42")
	require.False(t, ok, "own message")

	_, ok = decodeMessage(messageCreate("D1", "U1", ""), "42")
	require.False(t, ok, "attachment only")

	_, ok = decodeMessage(&discordgo.MessageCreate{Message: &discordgo.Message{ChannelID: "D1", Content: "hi"}}, "42")
	require.False(t, ok, "no author")

	_, ok = decodeMessage(nil, "42")
	require.False(t, ok, "nil event")
}

func TestNewAdapterValidation(t *testing.T) {
	_, err := NewAdapter(config.DiscordConfig{BotName: "42"}, nil)
	require.Error(t, err)

	_, err = NewAdapter(config.DiscordConfig{Token: "token"}, nil)
	require.Error(t, err)
}

func TestAddresser(t *testing.T) {
	adapter, err := NewAdapter(config.DiscordConfig{Token: "token", BotName: "42"}, nil)
	require.NoError(t, err)

	require.Equal(t, "discord", adapter.Name())
	require.True(t, adapter.Addresser().MatchString("<@42> ping"))
	require.True(t, adapter.Addresser().MatchString("<@!42> ping"))
	require.False(t, adapter.Addresser().MatchString("ping <@42>"))
}

func TestAdapterRoundTrip(t *testing.T) {
	messages := make(chan *discordgo.MessageCreate, 3)
	poster := &recordingPoster{}
	factory := func() (channel.Poster, error) { return poster, nil }

	adapter, err := NewAdapter(config.DiscordConfig{Token: "token", BotName: "42"}, nil, WithMessages(messages), WithPosterFactory(factory))
	require.NoError(t, err)

	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, adapter.Start(ctx, mb))

	messages <- messageCreate("D1", "42", "echo of myself")
	messages <- messageCreate("D1", "U1", "<@42> ping")

	consumeCtx, consumeCancel := context.WithTimeout(ctx, 2*time.Second)
	defer consumeCancel()
	msg, ok := mb.ConsumeInbound(consumeCtx)
	require.True(t, ok)
	require.Equal(t, "<@42> ping", msg.Text)
	require.Equal(t, "discord", msg.SourceAdapter)

	require.NoError(t, msg.Reply(ctx, "pong"))
	require.NoError(t, adapter.Shutdown(ctx))
	cancel()

	select {
	case <-adapter.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("adapter did not stop")
	}

	poster.mu.Lock()
	defer poster.mu.Unlock()
	require.Equal(t, []channel.Target{{Channel: "D1"}}, poster.posts)
	require.Equal(t, []string{"pong"}, poster.texts)
}
