// chatctl is a terminal client for the campus chat server, meant for local
// development and smoke tests.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"campus-chat/internal/auth"
	"campus-chat/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		serverURL string
		user      string
		peer      string
		token     string
		secret    string
		history   int
		noAck     bool
	)
	flagSet := pflag.NewFlagSet("chatctl", pflag.ContinueOnError)
	flagSet.StringVar(&serverURL, "server", "ws://localhost:8080/ws/chat", "chat server websocket URL")
	flagSet.StringVarP(&user, "user", "u", "", "your user id")
	flagSet.StringVarP(&peer, "peer", "p", "", "the user id to chat with")
	flagSet.StringVar(&token, "token", "", "bearer token (default: mint one with --secret)")
	flagSet.StringVar(&secret, "secret", os.Getenv("AUTH_JWT_SECRET_KEY"), "JWT secret used to mint a development token")
	flagSet.IntVar(&history, "history", 20, "number of earlier messages to load, 0 to skip")
	flagSet.BoolVar(&noAck, "no-ack", false, "do not acknowledge received messages as read")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if user == "" || peer == "" {
		printHelp(flagSet)
		return errors.New("--user and --peer are required")
	}

	sess, err := newSession(user, peer, !noAck, os.Stdout)
	if err != nil {
		return err
	}

	dialURL, header, err := handshake(serverURL, user, token, secret)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.Dial(dialURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (HTTP %d)", serverURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", serverURL, err)
	}
	defer conn.Close()

	// gorilla allows a single concurrent writer
	var writeMu sync.Mutex
	write := func(frames ...[]byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return err
			}
		}
		return nil
	}

	opening, err := sess.opening(history)
	if err != nil {
		return err
	}
	if err := write(opening...); err != nil {
		return fmt.Errorf("join %s: %w", sess.key, err)
	}
	fmt.Printf("connected as %s, chatting with %s (room %s). Type a line and press enter.\n", user, peer, sess.key)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	readErr := make(chan error, 1)
	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			replies, err := sess.handle(frame)
			if err != nil {
				fmt.Fprintf(os.Stderr, "bad frame: %v\n", err)
				continue
			}
			if err := write(replies...); err != nil {
				readErr <- err
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return closeGracefully(conn, &writeMu)
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				fmt.Println("server closed the connection")
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return closeGracefully(conn, &writeMu)
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			frame, err := sess.draft(line)
			if err != nil {
				return err
			}
			if err := write(frame); err != nil {
				return err
			}
		}
	}
}

// handshake builds the dial URL and headers. Without a token or secret the
// user id is sent as is, which only servers allowing anonymous access accept.
func handshake(serverURL, user, token, secret string) (string, http.Header, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", nil, fmt.Errorf("parse --server: %w", err)
	}
	if token == "" && secret != "" {
		token, err = auth.GenerateToken(user, user, config.AuthConfig{JWTSecretKey: secret, JWTExpiry: 12 * time.Hour})
		if err != nil {
			return "", nil, err
		}
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	} else {
		q := u.Query()
		q.Set("userId", user)
		u.RawQuery = q.Encode()
	}
	return u.String(), header, nil
}

func closeGracefully(conn *websocket.Conn, mu *sync.Mutex) error {
	mu.Lock()
	defer mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `chatctl - talk to a campus chat server from the terminal.

Lines read from stdin are sent to --peer. Messages from the peer are
acknowledged as read unless --no-ack is given.

Usage:
  chatctl --user <id> --peer <id> [flags]

Flags:
%s`, flagSet.FlagUsages())
}
