package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"heirloom/api/internal/archive"
	"heirloom/api/internal/offline"
)

func (c *cli) peopleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "people",
		Aliases: []string{"person"},
		Short:   "List and edit people in the offline cache",
	}
	cmd.AddCommand(c.peopleListCmd(), c.peopleAddCmd(), c.peopleEditCmd(), c.peopleRemoveCmd())
	return cmd
}

func (c *cli) peopleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List people, oldest generation first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cache, err := c.store()
			if err != nil {
				return err
			}
			tree, err := cache.Tree(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(tree.People)
			}
			rows := make([][]string, 0, len(tree.People))
			for _, p := range tree.People {
				rows = append(rows, []string{
					p.ID, p.Name, strconv.Itoa(p.Generation),
					orDash(p.BirthDate), orDash(p.DeathDate),
					orDash(strings.Join(p.ParentIDs, ",")),
				})
			}
			return c.printTable([]string{"ID", "NAME", "GEN", "BORN", "DIED", "PARENTS"}, rows)
		},
	}
}

// personFields are the editable person flags shared by add and edit.
type personFields struct {
	name       string
	nickname   string
	birthDate  string
	deathDate  string
	birthPlace string
	biography  string
	gender     string
	parents    []string
	spouses    []string
}

func (f *personFields) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.name, "name", "", "full name")
	flags.StringVar(&f.nickname, "nickname", "", "nickname")
	flags.StringVar(&f.birthDate, "born", "", "birth date, e.g. 1931-04-02")
	flags.StringVar(&f.deathDate, "died", "", "death date")
	flags.StringVar(&f.birthPlace, "birthplace", "", "birth place")
	flags.StringVar(&f.biography, "bio", "", "biography")
	flags.StringVar(&f.gender, "gender", "", "gender")
	flags.StringSliceVar(&f.parents, "parent", nil, "parent id (repeatable)")
	flags.StringSliceVar(&f.spouses, "spouse", nil, "spouse id (repeatable)")
}

// apply copies the flags the user actually set onto p.
func (f *personFields) apply(flags *pflag.FlagSet, p *archive.Person) {
	set := func(flag string, dst *string, value string) {
		if flags.Changed(flag) {
			*dst = value
		}
	}
	set("name", &p.Name, f.name)
	set("nickname", &p.Nickname, f.nickname)
	set("born", &p.BirthDate, f.birthDate)
	set("died", &p.DeathDate, f.deathDate)
	set("birthplace", &p.BirthPlace, f.birthPlace)
	set("bio", &p.Biography, f.biography)
	set("gender", &p.Gender, f.gender)
	if flags.Changed("parent") {
		p.ParentIDs = f.parents
	}
	if flags.Changed("spouse") {
		p.SpouseIDs = f.spouses
	}
}

func (c *cli) peopleAddCmd() *cobra.Command {
	var fields personFields
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a person; queued until the next sync",
		Example: `  heirloom people add --name "Mary Smith" --born 1931
  heirloom people add --name "Joe Smith" --parent <mary-id>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cache, err := c.store()
			if err != nil {
				return err
			}
			var person archive.Person
			fields.apply(cmd.Flags(), &person)
			saved, err := cache.SavePerson(cmd.Context(), person)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(saved)
			}
			c.printf("Added %s (%s), pending sync\n", saved.Name, saved.ID)
			return nil
		},
	}
	fields.register(cmd.Flags())
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func (c *cli) peopleEditCmd() *cobra.Command {
	var fields personFields
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a person; only the flags given are updated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := c.store()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			person, err := cache.Person(ctx, args[0])
			if errors.Is(err, offline.ErrNotFound) {
				return fmt.Errorf("person %s is not in the offline cache", args[0])
			} else if err != nil {
				return err
			}
			fields.apply(cmd.Flags(), &person)
			saved, err := cache.SavePerson(ctx, person)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(saved)
			}
			c.printf("Updated %s, pending sync\n", saved.Name)
			return nil
		},
	}
	fields.register(cmd.Flags())
	return cmd
}

func (c *cli) peopleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Remove a person; queued until the next sync",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := c.store()
			if err != nil {
				return err
			}
			if err := cache.DeletePerson(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.printf("Removed %s, pending sync\n", args[0])
			return nil
		},
	}
}
