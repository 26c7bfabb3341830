package cmd

import (
	"fmt"
	"strconv"

	"github.com/cqroot/prompt"
	"github.com/cqroot/prompt/input"
	"github.com/urfave/cli/v2"

	"pulse/db"
)

func moderateCmd() *cli.Command {
	return &cli.Command{
		Name:  "moderate",
		Usage: "Set a user's comment moderation flags",
		Description: `Interactively toggles a user's comment deletion permissions.

Users can delete their own comments by default; revoking that flag blocks
it. Post authors can only delete other people's comments on their posts
when the others-comments flag is explicitly granted.`,
		Flags: []cli.Flag{
			databaseFlag(),
		},
		Action: func(ctx *cli.Context) error {
			database, err := db.New(ctx.String("database"))
			if err != nil {
				return err
			}
			defer database.Close()

			idString, err := prompt.New().Ask("User id:").Input("1", input.WithValidateFunc(func(value string) error {
				_, err := strconv.ParseInt(value, 10, 64)
				return err
			}))
			if err != nil {
				return err
			}
			userID, err := strconv.ParseInt(idString, 10, 64)
			if err != nil {
				return err
			}

			user, err := database.GetUser(ctx.Context, userID)
			if err != nil {
				return err
			}
			fmt.Printf("Moderating %s (delete own: %t, delete others: %t)\n",
				user.Handle, user.CanDeleteOwnComments, user.CanDeleteOthersComments)

			deleteOwn, err := prompt.New().Ask("Allow deleting own comments?").Choose([]string{"yes", "no"})
			if err != nil {
				return err
			}

			deleteOthers, err := prompt.New().Ask("Allow deleting others' comments on own posts?").Choose([]string{"no", "yes"})
			if err != nil {
				return err
			}

			if err := database.SetModerationFlags(ctx.Context, userID, deleteOwn == "yes", deleteOthers == "yes"); err != nil {
				return err
			}

			fmt.Println("Updated moderation flags")
			return nil
		},
	}
}
