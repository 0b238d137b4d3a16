package notify

import (
	"context"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/library-backend/internal/config"
	"github.com/jules-labs/library-backend/internal/logger"
)

func TestRenderOverdueNotice(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	msg, err := r.OverdueNotice("alice@example.com", OverdueNotice{
		PatronName: "Alice <3",
		Books: []OverdueItem{
			{Title: "Dune", Author: "Frank Herbert", DueDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), DaysOverdue: 4},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", msg.To)
	assert.Equal(t, SubjectOverdue, msg.Subject)
	assert.Contains(t, msg.HTMLBody, "Dune")
	assert.Contains(t, msg.HTMLBody, "March 1, 2024")
	assert.Contains(t, msg.HTMLBody, "<td>4</td>")
	assert.Contains(t, msg.HTMLBody, "Alice &lt;3", "names are escaped")
}

func TestRenderDueSoonNotice(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	msg, err := r.DueSoonNotice("bob@example.com", DueSoonNotice{
		PatronName: "Bob",
		Books:      []DueSoonItem{{Title: "Emma", Author: "Jane Austen", DueDate: time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)}},
	})
	require.NoError(t, err)
	assert.Equal(t, SubjectDueSoon, msg.Subject)
	assert.Contains(t, msg.HTMLBody, "Jane Austen")
	assert.Contains(t, msg.HTMLBody, "May 2, 2024")
}

func TestBuildMessage(t *testing.T) {
	raw := string(buildMessage("library@example.com", Message{
		To: "alice@example.com", Subject: "Überfällig", HTMLBody: "<p>a</p>\n<p>b</p>",
	}, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))

	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	require.True(t, ok)
	assert.Contains(t, head, "From: library@example.com\r\n")
	assert.Contains(t, head, "To: alice@example.com\r\n")
	assert.Contains(t, head, "Subject: =?utf-8?q?")
	assert.Contains(t, head, `Content-Type: text/html; charset="utf-8"`)
	assert.Equal(t, "<p>a</p>\r\n<p>b</p>", body)
}

func TestNewPicksLogMailerWhenDisabled(t *testing.T) {
	assert.IsType(t, &LogMailer{}, New(config.SMTPConfig{Disabled: true, Host: "smtp.example.com"}, logger.Discard()))
	assert.IsType(t, &LogMailer{}, New(config.SMTPConfig{}, logger.Discard()))
	assert.IsType(t, &SMTPMailer{}, New(config.SMTPConfig{Host: "smtp.example.com", Port: 587}, logger.Discard()))
}

// fakeRelay accepts one SMTP session and reports the DATA it received.
func fakeRelay(t *testing.T) (host string, port int, received <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 localhost ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			switch cmd := strings.ToUpper(strings.Fields(line)[0]); cmd {
			case "EHLO", "HELO":
				_ = tp.PrintfLine("250-localhost")
				_ = tp.PrintfLine("250 8BITMIME")
			case "MAIL", "RCPT":
				_ = tp.PrintfLine("250 OK")
			case "DATA":
				_ = tp.PrintfLine("354 go ahead")
				lines, err := tp.ReadDotLines()
				if err != nil {
					return
				}
				out <- strings.Join(lines, "\n")
				_ = tp.PrintfLine("250 queued")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("502 unknown")
			}
		}
	}()

	h, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(p)
	require.NoError(t, err)
	return h, n, out
}

func TestSMTPMailerDelivers(t *testing.T) {
	host, port, received := fakeRelay(t)
	m := NewSMTPMailer(config.SMTPConfig{Host: host, Port: port, From: "library@example.com"}, logger.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Send(ctx, Message{To: "alice@example.com", Subject: "Hello", HTMLBody: "<p>hi</p>"}))

	select {
	case data := <-received:
		assert.Contains(t, data, "Subject: Hello")
		assert.Contains(t, data, "<p>hi</p>")
	case <-time.After(5 * time.Second):
		t.Fatal("relay received nothing")
	}
}

func TestSMTPMailerBreakerOpensAfterFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	m := NewSMTPMailer(config.SMTPConfig{Host: "127.0.0.1", Port: port, From: "library@example.com"}, logger.Discard())
	ctx := context.Background()
	msg := Message{To: "alice@example.com", Subject: "x", HTMLBody: "x"}

	for i := 0; i < breakerTrips; i++ {
		err := m.Send(ctx, msg)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRelayDown)
	}
	assert.ErrorIs(t, m.Send(ctx, msg), ErrRelayDown)
}

func TestLogMailerNeverFails(t *testing.T) {
	var sb strings.Builder
	m := NewLogMailer(logger.New(logger.Config{Writer: &sb, Format: "text"}))
	require.NoError(t, m.Send(context.Background(), Message{To: "a@example.com", Subject: "s", HTMLBody: "b"}))
	assert.Contains(t, sb.String(), "a@example.com")
}
