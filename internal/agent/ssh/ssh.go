// Package ssh multiplexes interactive shell channels over the Agent's
// single Comet link (spec.md §4.A, "ssh_open/ssh_data/ssh_resize/
// ssh_close ... multiplexed over the same link"). The Agent acts purely
// as an ssh client dialing its own local sshd; it never terminates the
// ssh protocol itself, so channel auth is whatever sshd already accepts.
package ssh

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/jiascheduler/jiascheduler/pkg/protocol"
)

// Sender pushes one outbound frame onto the agent's link.
type Sender func(protocol.Frame)

// Manager owns every live channel multiplexed over one agent link.
type Manager struct {
	sshPort        int
	assignUsername string
	assignPassword string

	mu       sync.Mutex
	channels map[string]*channel
}

type channel struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
}

func New(sshPort int, assignUsername, assignPassword string) *Manager {
	return &Manager{
		sshPort:        sshPort,
		assignUsername: assignUsername,
		assignPassword: assignPassword,
		channels:       make(map[string]*channel),
	}
}

// Open dials the local sshd, allocates a PTY of (rows, cols) and starts
// an interactive shell, streaming its output back as ssh_data frames
// under channelID until the session ends or Close is called.
func (m *Manager) Open(channelID, user, password string, rows, cols int, send Sender) {
	if user == "" {
		user = m.assignUsername
	}
	if password == "" {
		password = m.assignPassword
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	addr := fmt.Sprintf("127.0.0.1:%d", m.sshPort)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		log.WithError(err).WithField("channel_id", channelID).Error("ssh: dial local sshd failed")
		send(frame(protocol.KindSSHClose, channelID, protocol.SSHClosePayload{ChannelID: channelID, Reason: "dial_failed"}))
		return
	}

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		log.WithError(err).WithField("channel_id", channelID).Error("ssh: new session failed")
		send(frame(protocol.KindSSHClose, channelID, protocol.SSHClosePayload{ChannelID: channelID, Reason: "session_failed"}))
		return
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	if err := sess.RequestPty("xterm", rows, cols, modes); err != nil {
		sess.Close()
		client.Close()
		log.WithError(err).WithField("channel_id", channelID).Error("ssh: pty request failed")
		send(frame(protocol.KindSSHClose, channelID, protocol.SSHClosePayload{ChannelID: channelID, Reason: "pty_failed"}))
		return
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		send(frame(protocol.KindSSHClose, channelID, protocol.SSHClosePayload{ChannelID: channelID, Reason: "stdin_failed"}))
		return
	}
	stdout, _ := sess.StdoutPipe()
	stderr, _ := sess.StderrPipe()

	if err := sess.Shell(); err != nil {
		sess.Close()
		client.Close()
		log.WithError(err).WithField("channel_id", channelID).Error("ssh: shell request failed")
		send(frame(protocol.KindSSHClose, channelID, protocol.SSHClosePayload{ChannelID: channelID, Reason: "shell_failed"}))
		return
	}

	m.mu.Lock()
	m.channels[channelID] = &channel{client: client, sess: sess, stdin: stdin}
	m.mu.Unlock()

	go m.pump(channelID, stdout, send)
	go m.pump(channelID, stderr, send)

	go func() {
		err := sess.Wait()
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		m.cleanup(channelID)
		send(frame(protocol.KindSSHClose, channelID, protocol.SSHClosePayload{ChannelID: channelID, Reason: reason}))
	}()
}

func (m *Manager) pump(channelID string, r io.Reader, send Sender) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			send(frame(protocol.KindSSHData, channelID, protocol.SSHDataPayload{ChannelID: channelID, Bytes: chunk}))
		}
		if err != nil {
			return
		}
	}
}

// Data writes an inbound ssh_data frame's bytes to the channel's pty.
func (m *Manager) Data(channelID string, b []byte) {
	m.mu.Lock()
	ch, ok := m.channels[channelID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if _, err := ch.stdin.Write(b); err != nil {
		log.WithError(err).WithField("channel_id", channelID).Debug("ssh: stdin write failed")
	}
}

// Resize applies an ssh_resize frame to the channel's pty.
func (m *Manager) Resize(channelID string, rows, cols int) {
	m.mu.Lock()
	ch, ok := m.channels[channelID]
	m.mu.Unlock()
	if !ok {
		return
	}
	ch.sess.WindowChange(rows, cols)
}

// Close tears down a channel, whether requested by the Console
// (ssh_close) or by the local cleanup path once the shell exits.
func (m *Manager) Close(channelID string) {
	m.cleanup(channelID)
}

func (m *Manager) cleanup(channelID string) {
	m.mu.Lock()
	ch, ok := m.channels[channelID]
	if ok {
		delete(m.channels, channelID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	ch.sess.Close()
	ch.client.Close()
}

func frame(kind protocol.Kind, corrID string, payload interface{}) protocol.Frame {
	f, _ := protocol.Encode(kind, corrID, "", payload)
	return f
}
