// Command familybook-admin runs maintenance tasks against the FamilyBook
// database: migrations, user enrollment and token rotation.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/familybook/familybook/internal/config"
	"github.com/familybook/familybook/internal/magiclink"
	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
	"github.com/familybook/familybook/internal/store/backend"
)

type opener func(ctx context.Context, cfg *config.Config) (store.Repository, func(), error)

type adminApp struct {
	in   io.Reader
	out  io.Writer
	open opener
}

func main() {
	a := &adminApp{in: os.Stdin, out: os.Stdout, open: backend.Open}
	if err := a.cli().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *adminApp) cli() *cli.App {
	return &cli.App{
		Name:      "familybook-admin",
		Usage:     "FamilyBook maintenance commands",
		Writer:    a.out,
		ErrWriter: a.out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
				EnvVars: []string{"FAMILYBOOK_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Create tables, collections and indexes",
				Action: a.migrate,
			},
			{
				Name:  "user",
				Usage: "Manage users",
				Subcommands: []*cli.Command{
					{
						Name:  "create",
						Usage: "Create a user and print their magic link",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Display name", Required: true},
							&cli.StringFlag{Name: "email", Aliases: []string{"e"}, Usage: "Email address", Required: true},
							&cli.BoolFlag{Name: "admin", Usage: "Grant admin rights"},
						},
						Action: a.userCreate,
					},
					{
						Name:   "list",
						Usage:  "List users with their magic links",
						Action: a.userList,
					},
					{
						Name:      "rotate",
						Usage:     "Issue a new magic link, revoking the old one",
						ArgsUsage: "USER_ID",
						Action:    a.userRotate,
					},
				},
			},
			{
				Name:  "hash-password",
				Usage: "Print a bcrypt hash for admin_password_hash (reads the password from stdin)",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "cost", Value: bcrypt.DefaultCost, Usage: "bcrypt cost"},
				},
				Action: a.hashPassword,
			},
		},
	}
}

// withRepo loads config and opens the repository for one command.
func (a *adminApp) withRepo(c *cli.Context, fn func(ctx context.Context, cfg *config.Config, repo store.Repository) error) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	repo, closeFn, err := a.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, cfg, repo)
}

func (a *adminApp) migrate(c *cli.Context) error {
	return a.withRepo(c, func(ctx context.Context, cfg *config.Config, repo store.Repository) error {
		if err := repo.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintf(a.out, "Migrated %s store\n", cfg.StoreDriver)
		return nil
	})
}

func (a *adminApp) userCreate(c *cli.Context) error {
	return a.withRepo(c, func(ctx context.Context, cfg *config.Config, repo store.Repository) error {
		links := magiclink.NewService(repo, cfg.PublicURL, nil)
		u := &models.User{
			Name:    strings.TrimSpace(c.String("name")),
			Email:   strings.ToLower(strings.TrimSpace(c.String("email"))),
			IsAdmin: c.Bool("admin"),
		}
		token, err := links.Enroll(ctx, u)
		if errors.Is(err, magiclink.ErrEmailTaken) {
			return fmt.Errorf("a user with email %s already exists", u.Email)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Created user %s (%s)\n", u.Name, u.ID)
		fmt.Fprintf(a.out, "Magic link: %s\n", links.Link(token))
		return nil
	})
}

func (a *adminApp) userList(c *cli.Context) error {
	return a.withRepo(c, func(ctx context.Context, cfg *config.Config, repo store.Repository) error {
		users, err := repo.ListUsers(ctx)
		if err != nil {
			return err
		}
		links := magiclink.NewService(repo, cfg.PublicURL, nil)
		w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tEMAIL\tADMIN\tLINK")
		for _, u := range users {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", u.ID, u.Name, u.Email, u.IsAdmin, links.Link(u.MagicToken))
		}
		return w.Flush()
	})
}

func (a *adminApp) userRotate(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("USER_ID is required")
	}
	return a.withRepo(c, func(ctx context.Context, cfg *config.Config, repo store.Repository) error {
		links := magiclink.NewService(repo, cfg.PublicURL, nil)
		token, err := links.Rotate(ctx, id)
		if errors.Is(err, magiclink.ErrUnknownUser) {
			return fmt.Errorf("user %s not found", id)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "New magic link: %s\n", links.Link(token))
		return nil
	})
}

func (a *adminApp) hashPassword(c *cli.Context) error {
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.Int("cost"))
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, string(hash))
	return nil
}
