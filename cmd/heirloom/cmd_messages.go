package main

import (
	"strings"

	"github.com/spf13/cobra"

	"heirloom/api/internal/archive"
)

// familyPeer addresses the whole family instead of one member.
const familyPeer = "family"

func (c *cli) messagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "messages",
		Aliases: []string{"msg"},
		Short:   "Read and send family messages",
	}
	cmd.AddCommand(c.messagesListCmd(), c.messagesSendCmd())
	return cmd
}

func (c *cli) messagesListCmd() *cobra.Command {
	var (
		peer     string
		memoryID string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached messages, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cache, err := c.store()
			if err != nil {
				return err
			}
			all, err := cache.Messages(cmd.Context())
			if err != nil {
				return err
			}
			me := c.cfg.GetString(cfgKeyUserName)
			messages := make([]archive.Message, 0, len(all))
			for _, m := range all {
				if memoryID != "" && m.MemoryID != memoryID {
					continue
				}
				if peer != "" && !inConversation(m, me, peer) {
					continue
				}
				messages = append(messages, m)
			}
			if c.jsonOutput {
				return c.printJSON(messages)
			}
			rows := make([][]string, 0, len(messages))
			for _, m := range messages {
				to := m.ToUser
				switch {
				case m.MemoryID != "":
					to = "memory " + m.MemoryID
				case to == "":
					to = familyPeer
				}
				pending := ""
				if m.Revision == 0 {
					pending = "pending"
				}
				rows = append(rows, []string{m.CreatedAt.Local().Format("2006-01-02 15:04"), m.FromUser, to, m.Body, pending})
			}
			return c.printTable([]string{"SENT", "FROM", "TO", "MESSAGE", ""}, rows)
		},
	}
	cmd.Flags().StringVar(&peer, "with", "", `conversation with this member, or "family"`)
	cmd.Flags().StringVar(&memoryID, "memory", "", "annotations on this memory")
	return cmd
}

// inConversation reports whether m belongs to the thread between me and peer.
func inConversation(m archive.Message, me, peer string) bool {
	if strings.EqualFold(peer, familyPeer) {
		return m.ToUser == "" && m.MemoryID == ""
	}
	return (strings.EqualFold(m.FromUser, me) && strings.EqualFold(m.ToUser, peer)) ||
		(strings.EqualFold(m.FromUser, peer) && strings.EqualFold(m.ToUser, me))
}

func (c *cli) messagesSendCmd() *cobra.Command {
	var (
		memoryID string
		personID string
	)
	cmd := &cobra.Command{
		Use:   "send <member|family> <text>",
		Short: "Write a message; queued until the next sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := strings.TrimSpace(args[0])
			if strings.EqualFold(to, familyPeer) {
				to = ""
			}
			cache, err := c.store()
			if err != nil {
				return err
			}
			saved, err := cache.SaveMessage(cmd.Context(), archive.Message{
				FromUser: c.cfg.GetString(cfgKeyUserName),
				ToUser:   to,
				MemoryID: memoryID,
				PersonID: personID,
				Body:     args[1],
			})
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(saved)
			}
			c.printf("Message to %s queued, pending sync\n", orDash(args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&memoryID, "memory", "", "attach as an annotation on this memory")
	cmd.Flags().StringVar(&personID, "person", "", "about this person")
	return cmd
}
