package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vanky2viva/omni-assistant/internal/domain"
	"github.com/vanky2viva/omni-assistant/internal/protocol"
)

func newAttachCommand() *cobra.Command {
	var addr, key string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach to a conversation on a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(addr, key, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "ws://localhost:8080/ws", "gateway WebSocket address")
	cmd.Flags().StringVar(&key, "conversation", "", "conversation key to join; empty opens a new one")
	return cmd
}

// incoming is any message the gateway sends.
type incoming struct {
	protocol.BaseMessage
	Snapshot domain.Snapshot `json:"snapshot"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
}

// attachClient is a WebSocket client of the gateway.
type attachClient struct {
	conn            *websocket.Conn
	conversationKey string

	writeMu sync.Mutex
}

func dialGateway(addr string) (*attachClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &attachClient{conn: conn}, nil
}

// Close closes the client connection.
func (c *attachClient) Close() error {
	return c.conn.Close()
}

func (c *attachClient) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hello binds the connection to key and returns the conversation's snapshot.
// A snapshot pushed before the hello_ack wins when it is newer.
func (c *attachClient) Hello(key string) (domain.Snapshot, error) {
	msg := protocol.HelloMessage{BaseMessage: protocol.Base(protocol.TypeHello, key)}
	msg.RequestID = uuid.New().String()
	if err := c.write(msg); err != nil {
		return domain.Snapshot{}, fmt.Errorf("write hello: %w", err)
	}

	var early *domain.Snapshot
	for {
		in, err := c.read()
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("read hello_ack: %w", err)
		}
		switch in.Type {
		case protocol.TypeSnapshot:
			if early == nil || in.Snapshot.Version > early.Version {
				snap := in.Snapshot
				early = &snap
			}
		case protocol.TypeHelloAck:
			c.conversationKey = in.ConversationKey
			if early != nil && early.Version > in.Snapshot.Version {
				return *early, nil
			}
			return in.Snapshot, nil
		case protocol.TypeError:
			return domain.Snapshot{}, fmt.Errorf("hello failed: %s - %s", in.Code, in.Message)
		}
	}
}

// Submit sends a user message.
func (c *attachClient) Submit(content string) error {
	msg := protocol.SubmitMessage{BaseMessage: protocol.Base(protocol.TypeSubmit, c.conversationKey), Content: content}
	msg.RequestID = uuid.New().String()
	return c.write(msg)
}

// Cancel stops the in-flight answer.
func (c *attachClient) Cancel() error {
	return c.write(protocol.CancelMessage{BaseMessage: protocol.Base(protocol.TypeCancel, c.conversationKey)})
}

func (c *attachClient) read() (incoming, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return incoming{}, err
	}
	var in incoming
	if err := json.Unmarshal(data, &in); err != nil {
		return incoming{}, fmt.Errorf("unmarshal: %w", err)
	}
	return in, nil
}

// ReadMessages hands snapshots to r and prints errors until the connection
// closes.
func (c *attachClient) ReadMessages(r *renderer, out io.Writer) {
	for {
		in, err := c.read()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("read stopped")
			}
			return
		}
		switch in.Type {
		case protocol.TypeSnapshot:
			r.render(in.Snapshot)
		case protocol.TypeError:
			fmt.Fprintf(out, "error: %s - %s\n", in.Code, in.Message)
		}
	}
}

func runAttach(addr, key string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Connecting to %s...\n", addr)
	client, err := dialGateway(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	snap, err := client.Hello(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "conversation: %s\n", client.conversationKey)
	fmt.Fprintln(out, "Commands: /cancel, /quit")

	r := newRenderer(out)
	r.seed(snap)
	go client.ReadMessages(r, out)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	done := make(chan struct{})
	defer close(done)
	lines := scanLines(in, done)

	for {
		select {
		case <-interrupt:
			fmt.Fprintln(out, "\nInterrupted")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit":
				fmt.Fprintln(out, "Bye!")
				return nil
			case "/cancel":
				err = client.Cancel()
			default:
				err = client.Submit(line)
			}
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}
