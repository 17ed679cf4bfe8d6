package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/decentcloud/dcledger/service"
	"github.com/decentcloud/dcledger/types"
)

var (
	keyPath     string
	altIdentity string

	transferTo     string
	transferAmount uint64
	transferFee    uint64
	transferMemo   string
)

var registerCmd = &cobra.Command{
	Use:       "register provider|user",
	Short:     "Register the key as a provider or a user",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"provider", "user"},
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, pub, err := loadKey(keyPath)
		if err != nil {
			return err
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		svc := service.NewRegistrationService(rt.ledger, rt.projector)
		sig := service.SignRegistration(priv)
		if args[0] == "provider" {
			err = svc.RegisterProvider(pub, sig)
		} else {
			err = svc.RegisterUser(pub, sig)
		}
		if err != nil {
			return err
		}
		fmt.Printf("registered %s %s\n", args[0], types.PrincipalFromPubKey(pub))
		return nil
	},
}

var checkInCmd = &cobra.Command{
	Use:   "checkin",
	Short: "Check in as a validator for the next reward distribution",
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, pub, err := loadKey(keyPath)
		if err != nil {
			return err
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		svc := service.NewCheckInService(rt.ledger, rt.projector)
		nonce := svc.Nonce()
		if err := svc.CheckIn(pub, service.SignCheckIn(priv, nonce)); err != nil {
			return err
		}
		fmt.Printf("checked in %s with nonce %s\n", types.PrincipalFromPubKey(pub), nonce)
		return nil
	},
}

var rewardsCmd = &cobra.Command{
	Use:   "rewards",
	Short: "Reward pool operations",
}

var distributeCmd = &cobra.Command{
	Use:   "distribute",
	Short: "Pay the pending pool out to the checked-in validators",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		dist, err := service.NewRewardService(rt.ledger, rt.projector, rt.schedule).DistributeRewards()
		if err != nil {
			return err
		}
		return printJSON(dist)
	},
}

var lastDistributionCmd = &cobra.Command{
	Use:   "last",
	Short: "Print the most recent reward distribution",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		dist, err := service.NewRewardService(rt.ledger, rt.projector, rt.schedule).LastDistribution()
		if err != nil {
			return err
		}
		return printJSON(dist)
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Link alternate identities to the main identity of --key",
}

func identityChange(op types.LinkOp) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		priv, pub, err := loadKey(keyPath)
		if err != nil {
			return err
		}
		alt, err := parsePrincipal(altIdentity)
		if err != nil {
			return err
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		svc := service.NewIdentityService(rt.ledger, rt.projector, rt.schedule)
		sig := service.SignLink(priv, op, alt)
		if op == types.LinkAdd {
			err = svc.Link(pub, alt, sig)
		} else {
			err = svc.Unlink(pub, alt, sig)
		}
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"main":       types.PrincipalFromPubKey(pub),
			"op":         op.String(),
			"alternate":  altIdentity,
			"alternates": svc.Alternates(pub),
			"block":      rt.ledger.LatestBlockHash().String(),
		})
	}
}

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Link --alt to the main identity",
	RunE:  identityChange(types.LinkAdd),
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink",
	Short: "Remove --alt from the main identity",
	RunE:  identityChange(types.LinkRemove),
}

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Send tokens from the key to --to",
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, _, err := loadKey(keyPath)
		if err != nil {
			return err
		}
		to, err := parsePrincipal(transferTo)
		if err != nil {
			return err
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		svc := service.NewTransferService(rt.ledger, rt.projector, rt.schedule)
		t, err := svc.Transfer(priv, to, transferAmount, transferFee, transferMemo)
		if err != nil {
			return err
		}
		id, err := t.ID()
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"id":          fmt.Sprintf("%x", id),
			"amount_e9s":  t.AmountE9s,
			"fee_e9s":     t.FeeE9s,
			"balance_e9s": svc.Balance(t.From).Dec(),
		})
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance [principal]",
	Short: "Print the token balance of a principal, or of --key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			pub []byte
			err error
		)
		if len(args) == 1 {
			pub, err = parsePrincipal(args[0])
		} else {
			_, pub, err = loadKey(keyPath)
		}
		if err != nil {
			return err
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		who := types.PrincipalFromPubKey(pub)
		return printJSON(map[string]interface{}{
			"principal":             who,
			"balance_e9s":           rt.projector.Balance(who).Dec(),
			"unclaimed_rewards_e9s": rt.projector.UnclaimedRewards(who).Dec(),
		})
	},
}

func init() {
	rootCmd.AddCommand(registerCmd, checkInCmd, rewardsCmd, identityCmd, transferCmd, balanceCmd)
	rewardsCmd.AddCommand(distributeCmd, lastDistributionCmd)
	identityCmd.AddCommand(linkCmd, unlinkCmd)

	for _, c := range []*cobra.Command{registerCmd, checkInCmd, identityCmd, transferCmd, balanceCmd} {
		c.PersistentFlags().StringVar(&keyPath, "key", "", "File holding the hex encoded ed25519 key")
	}
	identityCmd.PersistentFlags().StringVar(&altIdentity, "alt", "", "Alternate identity (base58 public key)")
	transferCmd.Flags().StringVar(&transferTo, "to", "", "Recipient (base58 public key)")
	transferCmd.Flags().Uint64Var(&transferAmount, "amount", 0, "Amount in e9s")
	transferCmd.Flags().Uint64Var(&transferFee, "fee", 0, "Fee in e9s, burned")
	transferCmd.Flags().StringVar(&transferMemo, "memo", "", "Free-form note stored with the transfer")
}
