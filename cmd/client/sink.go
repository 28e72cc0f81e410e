package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/hyakulive/hyakulive/internal/protocol"
	"github.com/hyakulive/hyakulive/internal/room"
)

// consoleSink renders session directives as terminal lines.
type consoleSink struct {
	out io.Writer
}

func newConsoleSink(out io.Writer) *consoleSink {
	return &consoleSink{out: out}
}

func (s *consoleSink) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *consoleSink) Status(text string) {
	s.printf("* %s", text)
}

func (s *consoleSink) Chat(from, message string) {
	s.printf("[%s] %s", from, message)
}

func (s *consoleSink) RoomJoined(roomID string, role room.Role) {
	s.printf("* joined %s as %s", roomID, role)
}

func (s *consoleSink) MembersChanged(players, spectators []room.Member) {
	names := make([]string, 0, len(players))
	for _, p := range players {
		names = append(names, p.Name)
	}
	s.printf("* players: %s (%d watching)", strings.Join(names, ", "), len(spectators))
}

func (s *consoleSink) BoardApplied(letters []int, owners []string) {
	var b strings.Builder
	for i, lt := range letters {
		if i > 0 {
			b.WriteString(" ")
		}
		if owners[i] != "" {
			fmt.Fprintf(&b, "[--]")
			continue
		}
		fmt.Fprintf(&b, "[%02d]", lt)
	}
	s.printf("* board: %s", b.String())
}

func (s *consoleSink) CardTaken(pos int, owner string) {
	s.printf("* %s took card %d", owner, pos)
}

func (s *consoleSink) RoleChanged(role room.Role) {
	s.printf("* you are now a %s", role)
}

func (s *consoleSink) GameStarted() {
	s.printf("* game started")
}

func (s *consoleSink) GameFinished(winner, label string, counts map[string]int) {
	if winner == "" {
		s.printf("* game over: draw (%v)", counts)
		return
	}
	s.printf("* game over: %s (%s) wins %v", winner, label, counts)
}

func (s *consoleSink) Penalty(player string, count int) {
	s.printf("* penalty for %s (total %d)", player, count)
}

func (s *consoleSink) CallAnnounced(index int, call protocol.Call) {
	if call.OnBoard() {
		s.printf("* call %d: letter %02d (on the board!)", index, call.Letter)
		return
	}
	s.printf("* call %d: letter %02d", index, call.Letter)
}

func (s *consoleSink) SequenceFinished() {
	s.printf("* the reading sequence is finished")
}

func (s *consoleSink) ErrorNotice(text string) {
	s.printf("! %s", text)
}
