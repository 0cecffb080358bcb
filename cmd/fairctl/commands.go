package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fairplay-backend/internal/config"
	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/games"
	"fairplay-backend/internal/models"
	"fairplay-backend/internal/services"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "fairctl",
		Short:        "Provably fair round tooling",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("games-config", os.Getenv("GAMES_CONFIG"), "game tuning YAML file")

	cmd.AddCommand(
		VerifyCmd(),
		SimulateCmd(),
		HashCmd(),
		TokenCmd(),
	)
	return cmd
}

func VerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute a finished round from its revealed seeds",
		RunE:  verify,
	}
	addRoundFlags(cmd)
	cmd.Flags().StringP("server-seed", "s", "", "revealed server seed")
	_ = cmd.MarkFlagRequired("server-seed")
	cmd.Flags().String("hash", "", "commitment published before the round")
	cmd.Flags().StringP("client-seed", "c", "", "client seed")
	cmd.Flags().Uint64P("nonce", "n", 0, "round nonce")
	cmd.Flags().Int64("stake", 0, "stake in minor units")
	return cmd
}

func SimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Estimate return to player over many rounds",
		RunE:  simulate,
	}
	addRoundFlags(cmd)
	cmd.Flags().IntP("rounds", "r", 100000, "rounds to play")
	cmd.Flags().Int64("stake", 100, "stake per round in minor units")
	cmd.Flags().String("server-seed", "", "server seed, random when empty")
	cmd.Flags().String("client-seed", "simulate", "client seed")
	return cmd
}

func HashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <server-seed>",
		Short: "Print the commitment of a server seed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), fairness.HashServerSeed(args[0]))
			return nil
		},
	}
}

func TokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint an access token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE:  token,
	}
	cmd.Flags().String("secret", os.Getenv("JWT_SECRET"), "signing secret")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func addRoundFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("mode", "m", "", "game mode: mines, crash, limbo, dice or slots")
	_ = cmd.MarkFlagRequired("mode")
	cmd.Flags().String("target", "", "dice or limbo target")
	cmd.Flags().Bool("over", false, "dice rolls over the target")
	cmd.Flags().Int("cells", 0, "mines grid size")
	cmd.Flags().Int("mines", 0, "mines count")
	cmd.Flags().String("reveals", "", "comma separated revealed mines cells")
	cmd.Flags().String("cashout", "", "crash cash-out multiplier")
}

func registry(cmd *cobra.Command) (*games.Registry, error) {
	path, _ := cmd.Flags().GetString("games-config")
	tuning, err := config.LoadTuning(path)
	if err != nil {
		return nil, err
	}
	return games.NewRegistry(tuning)
}

func roundFlags(cmd *cobra.Command) (models.GameMode, games.Params, games.Progress, error) {
	rawMode, _ := cmd.Flags().GetString("mode")
	target, _ := cmd.Flags().GetString("target")
	over, _ := cmd.Flags().GetBool("over")
	cells, _ := cmd.Flags().GetInt("cells")
	mines, _ := cmd.Flags().GetInt("mines")
	reveals, _ := cmd.Flags().GetString("reveals")
	cashout, _ := cmd.Flags().GetString("cashout")

	mode, err := models.ParseGameMode(rawMode)
	if err != nil {
		return "", games.Params{}, games.Progress{}, err
	}
	p := games.Params{Cells: cells, Mines: mines, Over: over}
	if target != "" {
		if p.Target, err = decimal.NewFromString(target); err != nil {
			return "", games.Params{}, games.Progress{}, fmt.Errorf("target: %w", err)
		}
	}

	var pr games.Progress
	if cashout != "" {
		if pr.CashoutAt, err = decimal.NewFromString(cashout); err != nil {
			return "", games.Params{}, games.Progress{}, fmt.Errorf("cashout: %w", err)
		}
	}
	if pr.Reveals, err = parseCells(reveals); err != nil {
		return "", games.Params{}, games.Progress{}, err
	}
	return mode, p, pr, nil
}

func parseCells(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	cells := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("reveals: %q is not a cell index", part)
		}
		cells = append(cells, n)
	}
	return cells, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func verify(cmd *cobra.Command, _ []string) error {
	reg, err := registry(cmd)
	if err != nil {
		return err
	}
	mode, p, pr, err := roundFlags(cmd)
	if err != nil {
		return err
	}
	serverSeed, _ := cmd.Flags().GetString("server-seed")
	hash, _ := cmd.Flags().GetString("hash")
	clientSeed, _ := cmd.Flags().GetString("client-seed")
	nonce, _ := cmd.Flags().GetUint64("nonce")
	stake, _ := cmd.Flags().GetInt64("stake")

	res, err := reg.Verify(games.VerifyRequest{
		Mode:           mode,
		ServerSeed:     serverSeed,
		ServerSeedHash: hash,
		ClientSeed:     clientSeed,
		Nonce:          nonce,
		Params:         p,
		Stake:          stake,
		Progress:       pr,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func simulate(cmd *cobra.Command, _ []string) error {
	reg, err := registry(cmd)
	if err != nil {
		return err
	}
	mode, p, pr, err := roundFlags(cmd)
	if err != nil {
		return err
	}
	rounds, _ := cmd.Flags().GetInt("rounds")
	stake, _ := cmd.Flags().GetInt64("stake")
	serverSeed, _ := cmd.Flags().GetString("server-seed")
	clientSeed, _ := cmd.Flags().GetString("client-seed")
	if serverSeed == "" {
		if serverSeed, err = fairness.NewServerSeed(); err != nil {
			return err
		}
	}

	sim, err := reg.Simulate(mode, p, pr, rounds, stake, serverSeed, clientSeed)
	if err != nil {
		return err
	}
	return printJSON(cmd, sim)
}

func token(cmd *cobra.Command, args []string) error {
	secret, _ := cmd.Flags().GetString("secret")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if secret == "" {
		return errors.New("a signing secret is required, set JWT_SECRET or --secret")
	}

	tok, claims, err := services.NewJWTServiceWithSecret(secret, ttl).GenerateToken(args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{
		"token":      tok,
		"user_id":    claims.UserID,
		"expires_at": claims.ExpiresAt.Time,
	})
}
