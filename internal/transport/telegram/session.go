package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"tgfleet/internal/executor"
	logx "tgfleet/pkg/logx"
)

type Config struct {
	// Name is the account identifier this session is registered under.
	Name  string
	Token string
	// RatePerSec bounds outgoing API calls. Defaults to 1, which is
	// conservative on purpose: job-level delays handle pacing, the limiter
	// only guards against bursts.
	RatePerSec int
	// Offline skips the getMe probe; used by tests.
	Offline bool
}

// Session is one authenticated bot account of the fleet, exposed to the job
// engine as an executor. All transport errors are folded into Outcomes here;
// the engine never sees telebot types.
type Session struct {
	name    string
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

var _ executor.Executor = (*Session)(nil)

func NewSession(cfg Config, log logx.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Session{
		name:    cfg.Name,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log.With(logx.String("account", cfg.Name)),
	}, nil
}

func (s *Session) Name() string { return s.name }

// JoinTarget resolves the target group and verifies this session's
// membership. Bot sessions cannot join on their own (an admin has to add
// them), so "already a member" is the success case and a resolvable group
// the bot is not in comes back as permission denied.
func (s *Session) JoinTarget(ctx context.Context, target string) executor.Outcome {
	if err := s.limiter.Wait(ctx); err != nil {
		return executor.Failure("rate limiter: %v", err)
	}
	chat, out := s.resolve(target)
	if chat == nil {
		return out
	}
	member, err := s.bot.ChatMemberOf(chat, s.bot.Me)
	if err != nil {
		return classify(err)
	}
	switch member.Role {
	case tele.Creator, tele.Administrator, tele.Member:
		return executor.AlreadyMember()
	case tele.Restricted:
		return executor.PermissionDenied("membership is restricted in " + target)
	default:
		return executor.PermissionDenied("bot must be added to " + target + " by an admin")
	}
}

// SendMessage posts text to the target group.
func (s *Session) SendMessage(ctx context.Context, target, message string) executor.Outcome {
	if err := s.limiter.Wait(ctx); err != nil {
		return executor.Failure("rate limiter: %v", err)
	}
	chat, out := s.resolve(target)
	if chat == nil {
		return out
	}
	if _, err := s.bot.Send(chat, message); err != nil {
		return classify(err)
	}
	return executor.Success()
}

// resolve turns a job target (@username, t.me link, bare username) into a
// chat. On failure the second return carries the outcome.
func (s *Session) resolve(target string) (*tele.Chat, executor.Outcome) {
	name := normalizeTarget(target)
	if name == "" {
		return nil, executor.InvalidTarget("unsupported target " + target + ": private invite links cannot be resolved by bot sessions")
	}
	chat, err := s.bot.ChatByUsername(name)
	if err != nil {
		return nil, classify(err)
	}
	return chat, executor.Outcome{}
}

// normalizeTarget extracts a public @username from the accepted target
// forms. Private invite hashes (t.me/+..., t.me/joinchat/...) return "".
func normalizeTarget(target string) string {
	t := strings.TrimSpace(target)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if strings.HasPrefix(t, prefix) {
			t = strings.TrimPrefix(t, prefix)
			break
		}
	}
	if strings.HasPrefix(t, "+") || strings.HasPrefix(t, "joinchat/") {
		return ""
	}
	t = strings.TrimPrefix(t, "@")
	if t == "" {
		return ""
	}
	return "@" + t
}

// classify folds a telebot error into the outcome taxonomy.
func classify(err error) executor.Outcome {
	if err == nil {
		return executor.Success()
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return executor.Flood(time.Duration(flood.RetryAfter) * time.Second)
	}

	switch {
	case errors.Is(err, tele.ErrChatNotFound):
		return executor.InvalidTarget(err.Error())
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrNotStartedByUser):
		return executor.PermissionDenied(err.Error())
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		desc := strings.ToLower(apiErr.Description)
		if apiErr.Code == 403 || strings.Contains(desc, "rights") || strings.Contains(desc, "forbidden") {
			return executor.PermissionDenied(apiErr.Description)
		}
		if strings.Contains(desc, "not found") || strings.Contains(desc, "invalid") {
			return executor.InvalidTarget(apiErr.Description)
		}
	}

	return executor.Failure("%v", err)
}
