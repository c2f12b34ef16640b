package adapter

import (
	"fmt"
	"hash/fnv"

	tele "gopkg.in/telebot.v4"

	kit "accountpilot/internal/transport"
	logx "accountpilot/pkg/logx"
)

const maxCommandDescription = 256

// UpdateMenuCommands publishes the bot command menu. Telegram is only
// called when the menu differs from the last one published.
func (a *Adapter) UpdateMenuCommands(cmds []kit.BotCommand) error {
	menu, sum := buildMenu(cmds)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuSum {
		return nil
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return fmt.Errorf("telegram: set commands: %w", err)
	}
	a.menuSum = sum
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}

// buildMenu converts cmds to telebot commands and returns a digest of the
// result. Empty names are skipped; a missing description repeats the name.
func buildMenu(cmds []kit.BotCommand) ([]tele.Command, uint64) {
	h := fnv.New64a()
	menu := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if len(desc) > maxCommandDescription {
			desc = desc[:maxCommandDescription]
		}
		fmt.Fprintf(h, "%s\x00%s\x00", c.Command, desc)
		menu = append(menu, tele.Command{Text: c.Command, Description: desc})
	}
	return menu, h.Sum64()
}
