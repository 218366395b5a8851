package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/prezel/prezel/pkg/conf"
	"github.com/prezel/prezel/pkg/paths"
	"github.com/prezel/prezel/pkg/tokens"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the instance configuration",
	Long: `Write config.json into the data directory with a freshly generated
API token secret. Requires the wildcard DNS zone this box owns and the
provider endpoint that hands out Git access tokens.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		hostname, _ := cmd.Flags().GetString("hostname")
		provider, _ := cmd.Flags().GetString("provider")
		if hostname == "" || provider == "" {
			return fmt.Errorf("both --hostname and --provider are required")
		}

		path := paths.ConfigPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}

		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		data, err := json.MarshalIndent(map[string]string{
			"hostname": hostname,
			"provider": provider,
			"secret":   base64.StdEncoding.EncodeToString(secret),
		}, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a management API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := conf.Read()
		if err != nil {
			return err
		}
		claims := tokens.APIClaims{
			Role: tokens.Role(role),
			RegisteredClaims: jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			},
		}
		token, err := tokens.Generate(claims, cfg.Secret)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	initCmd.Flags().String("hostname", "", "wildcard DNS zone of this box, e.g. apps.example.com")
	initCmd.Flags().String("provider", "", "provider endpoint handing out Git access tokens")

	tokenCmd.Flags().String("role", string(tokens.RoleUser), "token role (admin or user)")
	tokenCmd.Flags().Duration("ttl", 30*24*time.Hour, "token lifetime")
}
