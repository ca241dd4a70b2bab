package core

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/osusync/pbt-server/internal/proto"
)

// commandPrefix marks IRC lines addressed to the bridge instead of a session.
const commandPrefix = "!"

// HandlerFunc is one administrative command. Handlers are synchronous from
// the dispatcher's point of view even when store calls block inside.
type HandlerFunc func(ctx context.Context, caller string, args []string, reply func(string))

type command struct {
	fn      HandlerFunc
	argc    int
	usage   string
	summary string
}

// CommandProcessor dispatches text commands from one input source, either
// the server console or the IRC escape prefix.
type CommandProcessor struct {
	cmds map[string]command
}

// NewCommandProcessor builds an empty dispatcher.
func NewCommandProcessor() *CommandProcessor {
	return &CommandProcessor{cmds: make(map[string]command)}
}

// Register adds a command. argc is the minimum argument count.
func (cp *CommandProcessor) Register(name string, argc int, usage, summary string, fn HandlerFunc) {
	cp.cmds[name] = command{fn: fn, argc: argc, usage: usage, summary: summary}
}

// Dispatch parses one input line and runs the matching handler. Unknown
// names and short argument lists yield the help listing.
func (cp *CommandProcessor) Dispatch(ctx context.Context, caller, line string, reply func(string)) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	cmd, ok := cp.cmds[name]
	if !ok {
		reply(fmt.Sprintf("Unknown command %q.", name))
		reply(cp.Help())
		return
	}
	if len(args) < cmd.argc {
		reply(fmt.Sprintf("Usage: %s %s", name, cmd.usage))
		return
	}
	cmd.fn(ctx, caller, args, reply)
}

// Help renders the command listing, sorted by name.
func (cp *CommandProcessor) Help() string {
	names := make([]string, 0, len(cp.cmds))
	for name := range cp.cmds {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Commands:")
	for _, name := range names {
		cmd := cp.cmds[name]
		sb.WriteString("\n  ")
		sb.WriteString(strings.TrimSpace(name + " " + cmd.usage))
		if cmd.summary != "" {
			sb.WriteString(" - ")
			sb.WriteString(cmd.summary)
		}
	}
	return sb.String()
}

// RunInput feeds the dispatcher line by line until EOF or cancellation,
// used for the interactive console.
func (cp *CommandProcessor) RunInput(ctx context.Context, r io.Reader, reply func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		cp.Dispatch(ctx, "console", scanner.Text(), reply)
	}
}

func newConsoleCommands(b *Bridge) *CommandProcessor {
	cp := NewCommandProcessor()

	cp.Register("help", 0, "", "show this listing", func(_ context.Context, _ string, _ []string, reply func(string)) {
		reply(cp.Help())
	})

	cp.Register("onlineusers", 0, "", "list online users", func(_ context.Context, _ string, _ []string, reply func(string)) {
		sessions := b.registry.Sessions()
		names := make([]string, 0, len(sessions))
		for _, s := range sessions {
			names = append(names, s.Name)
		}
		reply(strings.Join(names, "\t"))
		reply(fmt.Sprintf("Count: %d", len(names)))
	})

	cp.Register("allusers", 0, "", "list all known users", func(ctx context.Context, _ string, _ []string, reply func(string)) {
		ids, err := b.store.All(ctx)
		if err != nil {
			reply("Store error: " + err.Error())
			return
		}
		names := make([]string, 0, len(ids))
		for _, id := range ids {
			names = append(names, id.Username)
		}
		reply(strings.Join(names, "\t"))
		reply(fmt.Sprintf("Count: %d", len(names)))
	})

	cp.Register("bannedusers", 0, "", "list banned users with remaining time", func(ctx context.Context, _ string, _ []string, reply func(string)) {
		ids, err := b.store.Banned(ctx)
		if err != nil {
			reply("Store error: " + err.Error())
			return
		}
		now := b.now()
		count := 0
		for _, id := range ids {
			if !id.EffectivelyBanned(now) {
				continue
			}
			left := id.BanRemaining(now)
			reply(fmt.Sprintf("%s\t%dm%ds left", id.Username, int(left/time.Minute), int(left/time.Second)%60))
			count++
		}
		reply(fmt.Sprintf("Count: %d", count))
	})

	cp.Register("sendtoirc", 2, "<name> <msg...>", "message a user over IRC", func(_ context.Context, _ string, args []string, reply func(string)) {
		s, ok := b.registry.Get(args[0])
		if !ok {
			reply(args[0] + " is not connected.")
			return
		}
		b.sendToIRC(s.Name, strings.Join(args[1:], " "))
	})

	cp.Register("sendtosync", 2, "<name> <msg...> [message|notice]", "message a user over the socket", func(_ context.Context, _ string, args []string, reply func(string)) {
		s, ok := b.registry.Get(args[0])
		if !ok {
			reply(args[0] + " is not connected.")
			return
		}
		channel := "notice"
		body := args[1:]
		if len(body) > 1 {
			switch last := body[len(body)-1]; last {
			case "message", "notice":
				channel = last
				body = body[:len(body)-1]
			}
		}
		text := strings.Join(body, " ")
		if channel == "message" {
			s.Deliver(proto.Chat(text))
		} else {
			s.Deliver(proto.Notice(text))
		}
	})

	cp.Register("kick", 1, "<name>", "force a user offline", func(_ context.Context, _ string, args []string, reply func(string)) {
		s, ok := b.registry.Get(args[0])
		if !ok {
			reply(args[0] + " is not online.")
			return
		}
		b.Evict(s, "You are forced to go offline by the administrator.", ClosePolicy)
	})

	cp.Register("ban", 1, "<name> [minutes|forever]", "ban a user", func(ctx context.Context, _ string, args []string, reply func(string)) {
		duration := time.Hour
		if len(args) > 1 {
			if args[1] == "forever" {
				duration = b.cfg.ForeverBanDuration
			} else {
				minutes, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil || minutes <= 0 {
					reply("Minutes must be a positive number or \"forever\".")
					return
				}
				duration = time.Duration(minutes) * time.Minute
			}
		}
		if err := b.BanUser(ctx, args[0], duration); err != nil {
			reply(err.Error())
		}
	})

	cp.Register("unban", 1, "<name>", "unban a user", func(ctx context.Context, _ string, args []string, reply func(string)) {
		if err := b.UnbanUser(ctx, args[0]); err != nil {
			reply(err.Error())
		}
	})

	return cp
}

func newChatCommands(b *Bridge) *CommandProcessor {
	cp := NewCommandProcessor()

	cp.Register("logout", 0, "", "disconnect your own session", func(_ context.Context, caller string, _ []string, reply func(string)) {
		s, ok := b.registry.Get(caller)
		if !ok {
			reply("Your Sync is not connected to the server.")
			return
		}
		b.Evict(s, "Logged out over IRC.", CloseNormal)
		reply("Logout success!")
	})

	cp.Register("assign_token", 0, "", "confirm a pending token request", func(_ context.Context, caller string, _ []string, reply func(string)) {
		if _, err := b.AssignToken(caller); err != nil {
			reply(strings.ToUpper(err.Error()[:1]) + err.Error()[1:] + ".")
		}
	})

	return cp
}

// BanUser opens a ban window for a known user and kicks any live session.
func (b *Bridge) BanUser(ctx context.Context, name string, duration time.Duration) error {
	now := b.now()

	var uid int64
	var mac, hwid string
	if s, ok := b.registry.Get(name); ok {
		uid, mac, hwid = s.UID, s.MAC, s.HWID
	} else {
		id, err := b.store.GetByName(ctx, name)
		if err != nil {
			return fmt.Errorf("user %s is unknown", name)
		}
		uid, mac, hwid = id.UID, id.MAC, id.HWID
	}

	if id, err := b.store.GetByUID(ctx, uid); err == nil && id.EffectivelyBanned(now) {
		return fmt.Errorf("%s is already banned", name)
	}

	if err := b.store.SetBan(ctx, uid, mac, hwid, now.UnixMilli(), duration.Milliseconds()); err != nil {
		return fmt.Errorf("set ban: %w", err)
	}

	if s, ok := b.registry.Get(name); ok {
		b.sendToIRC(s.Name, "You are banned!")
		b.Evict(s, "You are banned!", ClosePolicy)
	}
	b.log.Info().Str("name", name).Dur("duration", duration).Msg("user banned")
	return nil
}

// UnbanUser closes the ban window for a known user.
func (b *Bridge) UnbanUser(ctx context.Context, name string) error {
	id, err := b.store.GetByName(ctx, name)
	if err != nil {
		return fmt.Errorf("user %s is unknown", name)
	}
	if !id.Banned {
		return fmt.Errorf("%s is not banned", name)
	}
	if err := b.store.ClearBan(ctx, id.UID); err != nil {
		return fmt.Errorf("clear ban: %w", err)
	}
	b.log.Info().Str("name", name).Msg("user unbanned")
	return nil
}
