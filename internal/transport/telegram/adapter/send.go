package adapter

import (
	"context"
	"hash/fnv"

	tele "gopkg.in/telebot.v4"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// SendText sends text, split into several messages when it exceeds the
// Telegram limit. Buttons go under the first message; its ref is returned.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitText(text, textLimit, isHTML(opt.ParseMode))
	first, err := a.send(ctx, to.ChatID, chunks[0], sendOptions(opt, true))
	if err != nil {
		return kit.MessageRef{}, err
	}
	ref := kit.MessageRef{ChatID: to.ChatID, MessageID: first.ID}
	return ref, a.sendRest(ctx, to.ChatID, chunks[1:], opt)
}

// EditText replaces the text and buttons of ref. Overflow beyond one
// message is sent as new messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	chunks := splitText(text, textLimit, isHTML(opt.ParseMode))
	msg := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(msg, chunks[0], sendOptions(opt, true)); err != nil {
		return classifySendError(err)
	}
	return a.sendRest(ctx, ref.ChatID, chunks[1:], opt)
}

func (a *Adapter) sendRest(ctx context.Context, chatID int64, chunks []string, opt *kit.SendOptions) error {
	for _, c := range chunks {
		if _, err := a.send(ctx, chatID, c, sendOptions(opt, false)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) send(ctx context.Context, chatID int64, text string, opt *tele.SendOptions) (*tele.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := a.bot.Send(&tele.Chat{ID: chatID}, text, opt)
	if err != nil {
		return nil, classifySendError(err)
	}
	return m, nil
}

func sendOptions(opt *kit.SendOptions, withButtons bool) *tele.SendOptions {
	so := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview}
	if withButtons {
		so.ReplyMarkup = inlineMarkup(opt.Buttons)
	}
	return so
}

// AnswerCallback acknowledges a button press; a non-empty text is shown as
// a toast.
func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// inlineMarkup converts transport buttons into an inline keyboard. Data is
// sent raw so presses arrive on the OnCallback handler.
func inlineMarkup(rows [][]kit.Button) *tele.ReplyMarkup {
	var kb [][]tele.InlineButton
	for _, row := range rows {
		var line []tele.InlineButton
		for _, b := range row {
			line = append(line, tele.InlineButton{Text: b.Text, Data: b.Data})
		}
		if len(line) > 0 {
			kb = append(kb, line)
		}
	}
	if len(kb) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: kb}
}

const (
	menuMaxCommands    = 100
	menuMaxDescription = 256
)

// UpdateMenuCommands publishes the command menu (setMyCommands). The API is
// only called when the list differs from the last published one.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	out := menuCommands(cmds)
	h := fnv.New64a()
	for _, c := range out {
		h.Write([]byte(c.Text + "\x00" + c.Description + "\x00"))
	}
	sum := h.Sum64()

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(out); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}

func menuCommands(cmds []kit.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, min(len(cmds), menuMaxCommands))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if r := []rune(d); len(r) > menuMaxDescription {
			d = string(r[:menuMaxDescription])
		}
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) == menuMaxCommands {
			break
		}
	}
	return out
}
