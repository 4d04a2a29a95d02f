package websocket

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/book-expert/logger"
	fws "github.com/fasthttp/websocket"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/musicgen/internal/model"
)

func startHub(t *testing.T, snapshot func(taskID string) *model.TaskEvent) (*Hub, string) {
	t.Helper()
	lg, err := logger.New(t.TempDir(), "ws-test.log")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(lg)
	go hub.Run(ctx)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws/tasks/:taskId", websocket.New(func(c *websocket.Conn) {
		taskID := c.Params("taskId")
		hub.HandleConnection(c, taskID, func() (*model.TaskEvent, error) {
			return snapshot(taskID), nil
		})
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()

	t.Cleanup(func() {
		cancel()
		_ = app.Shutdown()
		_ = lg.Close()
	})
	return hub, "ws://" + ln.Addr().String()
}

func readEvent(t *testing.T, conn *fws.Conn) model.TaskEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev model.TaskEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHub_StreamsEventsUntilTerminal(t *testing.T) {
	hub, base := startHub(t, func(id string) *model.TaskEvent {
		return model.NewTaskEvent(&model.Task{ID: id, Status: model.TaskStatusPending, Message: "Task queued"})
	})

	conn, _, err := fws.DefaultDialer.Dial(base+"/ws/tasks/t1", nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readEvent(t, conn)
	assert.Equal(t, model.TaskStatusPending, first.Status)
	require.Eventually(t, func() bool { return hub.Subscribers("t1") == 1 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.Notify(ctx, model.NewTaskEvent(&model.Task{ID: "t1", Status: model.TaskStatusProcessing, Progress: 50})))
	require.NoError(t, hub.Notify(ctx, model.NewTaskEvent(&model.Task{ID: "other", Status: model.TaskStatusProcessing, Progress: 10})))
	require.NoError(t, hub.Notify(ctx, model.NewTaskEvent(&model.Task{
		ID:       "t1",
		Status:   model.TaskStatusCompleted,
		Progress: 100,
		Files:    []model.Artifact{{FileURL: "/download/generated_music_t1.wav"}},
	})))

	progress := readEvent(t, conn)
	assert.Equal(t, model.WSMessageTypeProgress, progress.Type)
	assert.Equal(t, 50, progress.Progress)

	done := readEvent(t, conn)
	assert.Equal(t, model.WSMessageTypeComplete, done.Type)
	require.Len(t, done.Files, 1)

	_, _, err = conn.ReadMessage()
	assert.True(t, fws.IsCloseError(err, fws.CloseNormalClosure), "got %v", err)
	assert.Eventually(t, func() bool { return hub.Subscribers("t1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_TerminalSnapshotClosesImmediately(t *testing.T) {
	_, base := startHub(t, func(id string) *model.TaskEvent {
		return model.NewTaskEvent(&model.Task{ID: id, Status: model.TaskStatusFailed, Message: "Generation failed: boom"})
	})

	conn, _, err := fws.DefaultDialer.Dial(base+"/ws/tasks/t2", nil)
	require.NoError(t, err)
	defer conn.Close()

	ev := readEvent(t, conn)
	assert.Equal(t, model.WSMessageTypeError, ev.Type)
	assert.Equal(t, "Generation failed: boom", ev.Message)

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_PingPong(t *testing.T) {
	_, base := startHub(t, func(id string) *model.TaskEvent {
		return model.NewTaskEvent(&model.Task{ID: id, Status: model.TaskStatusProcessing})
	})

	conn, _, err := fws.DefaultDialer.Dial(base+"/ws/tasks/t3", nil)
	require.NoError(t, err)
	defer conn.Close()
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(model.WSMessage{Type: model.WSMessageTypePing}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg model.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, model.WSMessageTypePong, msg.Type)
}

func TestHub_NotifyWithoutSubscribers(t *testing.T) {
	lg, err := logger.New(t.TempDir(), "ws-test.log")
	require.NoError(t, err)
	defer lg.Close()

	hub := NewHub(lg)
	for i := 0; i < cap(hub.broadcast); i++ {
		require.NoError(t, hub.Notify(context.Background(), &model.TaskEvent{TaskID: "x"}))
	}
	assert.ErrorIs(t, hub.Notify(context.Background(), &model.TaskEvent{TaskID: "x"}), ErrBacklogFull)
}
