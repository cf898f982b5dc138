package interaction

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator() *Coordinator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(nil, logger)
}

func pendingRequest(allowCustom bool) Request {
	return Request{
		InteractionID:    "int-1",
		RunID:            "run-1",
		Question:         "Proceed with the change?",
		Options:          []string{"Yes", "No"},
		AllowCustomInput: allowCustom,
	}
}

func TestCoordinator_OptionIndexAnswer(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, pendingRequest(false)))

	res := c.SubmitAnswer(ctx, "2", "cli")
	require.True(t, res.Accepted)
	assert.Equal(t, "No", res.Answer.Value)
	assert.Equal(t, 2, res.Answer.OptionIndex)
	assert.Equal(t, "cli", res.Answer.Source)
}

func TestCoordinator_InvalidOptionRejected(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, pendingRequest(false)))

	for _, raw := range []string{"0", "3", "maybe", ""} {
		res := c.SubmitAnswer(ctx, raw, "cli")
		assert.False(t, res.Accepted, "raw=%q", raw)
		assert.NotEmpty(t, res.Message, "raw=%q", raw)
	}
}

func TestCoordinator_CustomTextWhenAllowed(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, pendingRequest(true)))

	res := c.SubmitAnswer(ctx, "only the first file", "service")
	require.True(t, res.Accepted)
	assert.Equal(t, "only the first file", res.Answer.Value)
	assert.Zero(t, res.Answer.OptionIndex)
}

func TestCoordinator_SecondPublishFails(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, pendingRequest(false)))
	err := c.Publish(ctx, Request{InteractionID: "int-2", Question: "another?"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already pending")
}

func TestCoordinator_WaitForAnswerBlocksUntilSubmit(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, pendingRequest(false)))

	got := make(chan Answer, 1)
	go func() {
		ans, err := c.WaitForAnswer(ctx, "int-1")
		if err == nil {
			got <- ans
		}
	}()

	// Give the waiter a moment to block.
	time.Sleep(20 * time.Millisecond)
	res := c.SubmitAnswer(ctx, "1", "cli")
	require.True(t, res.Accepted)

	select {
	case ans := <-got:
		assert.Equal(t, "Yes", ans.Value)
	case <-time.After(time.Second):
		t.Fatal("waiter did not receive the answer")
	}

	c.Resolve(ctx, "int-1")
	_, pendingNow := c.Pending()
	assert.False(t, pendingNow)
}

func TestCoordinator_WaitForAnswerHonorsContext(t *testing.T) {
	c := newTestCoordinator()
	require.NoError(t, c.Publish(context.Background(), pendingRequest(false)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.WaitForAnswer(ctx, "int-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_ResolveReleasesUnansweredWaiter(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, pendingRequest(false)))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.WaitForAnswer(ctx, "int-1")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Resolve(ctx, "int-1")

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "without an answer")
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by resolve")
	}
}

func TestCoordinator_ChoiceSuggestions(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	assert.Nil(t, c.ChoiceSuggestions())

	require.NoError(t, c.Publish(ctx, pendingRequest(true)))
	assert.Equal(t, []string{"1", "2", CustomSuggestion}, c.ChoiceSuggestions())

	c.Resolve(ctx, "int-1")
	assert.Nil(t, c.ChoiceSuggestions())
}
