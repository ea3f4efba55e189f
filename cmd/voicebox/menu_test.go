package main

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"voicebox/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNode struct {
	mock.Mock
}

func (m *mockNode) Username() string { return "alice" }
func (m *mockNode) Address() string  { return "10.0.0.1:4000" }

func (m *mockNode) Register(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *mockNode) Call(ctx context.Context, username string) (string, error) {
	args := m.Called(ctx, username)
	return args.String(0), args.Error(1)
}

func (m *mockNode) EndCall(address string) error { return m.Called(address).Error(0) }
func (m *mockNode) ToggleMute() bool             { return m.Called().Bool(0) }
func (m *mockNode) Muted() bool                  { return m.Called().Bool(0) }

func (m *mockNode) SendMessage(ctx context.Context, text, target string) error {
	return m.Called(ctx, text, target).Error(0)
}

func (m *mockNode) Search(ctx context.Context, username string) (string, error) {
	args := m.Called(ctx, username)
	return args.String(0), args.Error(1)
}

func (m *mockNode) Connections() []domain.ConnectionInfo {
	return m.Called().Get(0).([]domain.ConnectionInfo)
}

func runLine(t *testing.T, node *mockNode, line string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := execute(context.Background(), newMenuCommand(node, &out), nil, line)
	return out.String(), err
}

func TestMenu_Call(t *testing.T) {
	node := &mockNode{}
	node.On("Call", mock.Anything, "bob").Return("10.0.0.2:4000", nil).Twice()
	node.On("Call", mock.Anything, "carol").Return("", fmt.Errorf("%w: carol", domain.ErrUserNotFound))

	out, err := runLine(t, node, "call bob")
	require.NoError(t, err)
	assert.Contains(t, out, "Connected to bob at 10.0.0.2:4000")

	_, err = runLine(t, node, "NEW_CALL bob")
	require.NoError(t, err)

	_, err = runLine(t, node, "call carol")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	_, err = runLine(t, node, "call")
	assert.Error(t, err, "no prompt available")

	node.AssertExpectations(t)
}

func TestMenu_EndCallAndMute(t *testing.T) {
	node := &mockNode{}
	node.On("EndCall", "10.0.0.2:4000").Return(nil)
	node.On("ToggleMute").Return(true).Once()
	node.On("ToggleMute").Return(false).Once()

	out, err := runLine(t, node, "end_call 10.0.0.2:4000")
	require.NoError(t, err)
	assert.Contains(t, out, "ended")

	out, err = runLine(t, node, "mute")
	require.NoError(t, err)
	assert.Contains(t, out, "muted")

	out, err = runLine(t, node, "toggle_mute")
	require.NoError(t, err)
	assert.Contains(t, out, "live")

	node.AssertExpectations(t)
}

func TestMenu_Send(t *testing.T) {
	node := &mockNode{}
	node.On("SendMessage", mock.Anything, "hi there", "all").Return(nil).Twice()
	node.On("SendMessage", mock.Anything, "yo", "10.0.0.2:4000").Return(nil)
	node.On("SendMessage", mock.Anything, "psst", "10.0.0.9:4000").
		Return(fmt.Errorf("%w: 10.0.0.9:4000", domain.ErrPeerNotConnected))

	_, err := runLine(t, node, "send all hi there")
	require.NoError(t, err)
	_, err = runLine(t, node, "send_msg hi there")
	require.NoError(t, err)
	_, err = runLine(t, node, "send 10.0.0.2:4000 yo")
	require.NoError(t, err)
	_, err = runLine(t, node, "send 10.0.0.9:4000 psst")
	assert.ErrorIs(t, err, domain.ErrPeerNotConnected)

	node.AssertExpectations(t)
}

func TestMenu_SearchAndView(t *testing.T) {
	node := &mockNode{}
	node.On("Search", mock.Anything, "bob").Return("10.0.0.2:4000", nil)
	node.On("Connections").Return([]domain.ConnectionInfo{}).Once()
	node.On("Connections").Return([]domain.ConnectionInfo{
		{Address: "10.0.0.2:4000", Username: "bob", Direction: domain.DirectionInbound,
			Stats: domain.ReceptionStats{FramesReceived: 8, ExpectedFrames: 10}},
	}).Once()

	out, err := runLine(t, node, "search bob")
	require.NoError(t, err)
	assert.Contains(t, out, "bob is at 10.0.0.2:4000")

	out, err = runLine(t, node, "view")
	require.NoError(t, err)
	assert.Contains(t, out, "No connected machines")

	out, err = runLine(t, node, "view_machines")
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.2:4000")
	assert.Contains(t, out, "inbound")
	assert.Regexp(t, `8\s+2`, out)
}

func TestMenu_HelpQuitUnknown(t *testing.T) {
	node := &mockNode{}
	node.On("Muted").Return(false)

	out, err := runLine(t, node, "help")
	require.NoError(t, err)
	assert.Contains(t, out, "You are alice at 10.0.0.1:4000")

	_, err = runLine(t, node, "quit")
	assert.ErrorIs(t, err, errQuit)

	_, err = runLine(t, node, "dance")
	assert.ErrorContains(t, err, "unknown command")

	_, err = runLine(t, node, "   ")
	assert.NoError(t, err)
}

func TestIsTarget(t *testing.T) {
	assert.True(t, isTarget("all"))
	assert.True(t, isTarget("10.0.0.2:4000"))
	assert.True(t, isTarget("[::1]:4000"))
	assert.False(t, isTarget("hello"))
	assert.False(t, isTarget("10.0.0.2"))
}
