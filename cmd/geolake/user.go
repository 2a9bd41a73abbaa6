package main

import (
	"fmt"

	"github.com/geolake/geolake/internal/service"
	"github.com/geolake/geolake/internal/store/model"
	"github.com/spf13/cobra"
)

var (
	userContact string
	userRole    string
)

var userCmd = &cobra.Command{
	Use:   "user SUBJECT",
	Short: "Create the user of an auth subject if needed and print its api key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, release, err := setup("user", true)
		if err != nil {
			return err
		}
		defer release()

		users := service.NewUserService(c.store, service.WithEvents(c.events))
		user, err := users.EnsureUser(cmd.Context(), args[0], userContact)
		if err != nil {
			return err
		}

		if userRole != "" && (user.Role == nil || user.Role.Name != userRole) {
			// the command line acts with admin rights
			operator := model.User{Role: &model.Role{Name: model.RoleAdmin}}
			if user, err = users.SetRole(cmd.Context(), operator, user.ID, userRole); err != nil {
				return err
			}
		}

		role := ""
		if user.Role != nil {
			role = user.Role.Name
		}
		fmt.Fprintf(cmd.OutOrStdout(), "id=%d subject=%s role=%s api_key=%s\n", user.ID, user.AuthSubject, role, user.APIKey)
		return nil
	},
}

func init() {
	userCmd.Flags().StringVar(&userContact, "contact", "", "Contact name of the user")
	userCmd.Flags().StringVar(&userRole, "role", "", fmt.Sprintf("Role to grant (%s or %s)", model.RoleAdmin, model.RoleStandard))
}
