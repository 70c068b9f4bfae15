// Command cardpay is the terminal-side tool: derive card addresses, sign
// payment intents offline, settle signed intents, run the serial POS loop,
// and manage the revocation registry.
package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	cardpay "github.com/emcash/cardpay"
	"github.com/emcash/cardpay/clients"
	"github.com/emcash/cardpay/config"
	"github.com/emcash/cardpay/intent"
	"github.com/emcash/cardpay/logger"
	"github.com/emcash/cardpay/metrics"
	"github.com/emcash/cardpay/reader"
	"github.com/emcash/cardpay/types"
	"github.com/emcash/cardpay/utils"
)

func main() {
	app := &cli.App{
		Name:  "cardpay",
		Usage: "NFC card payment intents: derive, sign, settle",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "config file path (default ./cardpay.yaml)"},
		},
		Commands: []*cli.Command{
			deriveCmd(),
			signCmd(),
			settleCmd(),
			listenCmd(),
			revokeCmd(),
			balanceCmd(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type env struct {
	cfg    *config.Config
	engine *cardpay.Engine
	log    logger.Logger
}

// buildEnv loads config and wires an engine. The master secret comes from
// MASTER_SECRET only; it never lives in the config file.
func buildEnv(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	secret := os.Getenv("MASTER_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("MASTER_SECRET is not set")
	}

	log := logger.NewZapLogger(cfg.Log.Level, cfg.Log.Development)

	opts := []cardpay.Option{cardpay.WithLogger(log)}
	if cfg.Metrics.Enabled {
		opts = append(opts, cardpay.WithMetrics(metrics.NewPrometheusRecorder()))
	}

	engine, err := cardpay.New(&types.EngineConfig{
		MasterSecret:    secret,
		RPCURL:          cfg.RPCURL,
		TokenAddress:    cfg.Token.Address,
		ReplayPath:      cfg.Ledger.ReplayPath,
		RevocationPath:  cfg.Ledger.RevocationPath,
		DefaultDecimals: uint8(cfg.Token.DefaultDecimals),
	}, opts...)
	if err != nil {
		return nil, err
	}

	return &env{cfg: cfg, engine: engine, log: log}, nil
}

func deriveCmd() *cli.Command {
	return &cli.Command{
		Name:  "derive",
		Usage: "print the payment address for a card UID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "uid", Required: true},
		},
		Action: func(c *cli.Context) error {
			e, err := buildEnv(c)
			if err != nil {
				return err
			}
			defer e.engine.Close()

			addr, err := e.engine.DeriveAddress(c.String("uid"))
			if err != nil {
				return err
			}
			fmt.Println(addr)
			return nil
		},
	}
}

func signCmd() *cli.Command {
	return &cli.Command{
		Name:  "sign",
		Usage: "sign a payment intent offline and print it as JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "uid", Required: true},
			&cli.StringFlag{Name: "merchant", Usage: "merchant address (default from config)"},
			&cli.StringFlag{Name: "amount", Usage: "amount in human units (default pos.price)"},
			&cli.Int64Flag{Name: "nonce", Usage: "intent nonce (default current unix millis)"},
			&cli.IntFlag{Name: "expiry-sec", Usage: "validity window in seconds (default pos.expiry_sec)"},
		},
		Action: func(c *cli.Context) error {
			e, err := buildEnv(c)
			if err != nil {
				return err
			}
			defer e.engine.Close()

			si, err := signOne(c, e, c.String("uid"))
			if err != nil {
				return err
			}
			out, err := si.JSON()
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

// signOne applies config defaults and signs an intent for uid.
func signOne(c *cli.Context, e *env, uid string) (*intent.SignedIntent, error) {
	merchant := c.String("merchant")
	if merchant == "" {
		merchant = e.cfg.Merchant
	}
	if merchant == "" {
		return nil, fmt.Errorf("merchant address is required (flag or config)")
	}

	human := c.String("amount")
	if human == "" {
		human = e.cfg.POS.Price
	}
	amount, err := utils.ParseAmountWithDecimals(human, e.cfg.Token.DefaultDecimals)
	if err != nil {
		return nil, err
	}

	nonce := c.Int64("nonce")
	if nonce == 0 {
		nonce = time.Now().UnixMilli()
	}

	expirySec := c.Int("expiry-sec")
	if expirySec == 0 {
		expirySec = e.cfg.POS.ExpirySec
	}

	return e.engine.SignIntent(uid, merchant, amount, big.NewInt(nonce), time.Duration(expirySec)*time.Second)
}

func settleCmd() *cli.Command {
	return &cli.Command{
		Name:      "settle",
		Usage:     "settle a signed intent (JSON from file or stdin)",
		ArgsUsage: "[intent.json]",
		Action: func(c *cli.Context) error {
			e, err := buildEnv(c)
			if err != nil {
				return err
			}
			defer e.engine.Close()

			var data []byte
			if c.Args().Len() > 0 {
				data, err = os.ReadFile(c.Args().First())
			} else {
				data, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return err
			}

			si, err := intent.Parse(data)
			if err != nil {
				return err
			}

			res, err := e.engine.Settle(c.Context, si)
			if err != nil {
				return err
			}
			return printResult(res)
		},
	}
}

func listenCmd() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "run the POS loop: settle a fixed-price payment per card scan",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "port", Usage: "serial port (default from config)"},
			&cli.StringFlag{Name: "merchant"},
			&cli.StringFlag{Name: "amount"},
		},
		Action: func(c *cli.Context) error {
			e, err := buildEnv(c)
			if err != nil {
				return err
			}
			defer e.engine.Close()

			port := c.String("port")
			if port == "" {
				port = e.cfg.Serial.Port
			}
			if port == "" {
				return fmt.Errorf("serial port is required (flag or config)")
			}

			src, err := reader.OpenSerial(port, e.cfg.Serial.Baud)
			if err != nil {
				return err
			}
			defer src.Close()

			handler := func(ctx context.Context, uid string) {
				si, err := signOne(c, e, uid)
				if err != nil {
					e.log.Error("sign failed", map[string]any{"uid": uid, "error": err.Error()})
					return
				}
				res, err := e.engine.Settle(ctx, si)
				if err != nil {
					e.log.Error("settle failed", map[string]any{"uid": uid, "error": err.Error()})
					return
				}
				if res.Settled {
					e.log.Info("payment settled", map[string]any{"uid": uid, "tx": res.TxHash})
				} else {
					e.log.Warn("payment rejected", map[string]any{"uid": uid, "reason": res.Reason})
				}
			}

			l := reader.NewListener(handler, time.Duration(e.cfg.POS.CooldownMS)*time.Millisecond)
			l.SetLogger(e.log)

			e.log.Info("listening for card scans", map[string]any{"port": port, "baud": e.cfg.Serial.Baud})
			return l.Run(c.Context, src)
		},
	}
}

func revokeCmd() *cli.Command {
	return &cli.Command{
		Name:  "revoke",
		Usage: "manage the UID revocation registry",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				ArgsUsage: "<uid>",
				Action: func(c *cli.Context) error {
					e, err := buildEnv(c)
					if err != nil {
						return err
					}
					defer e.engine.Close()
					return e.engine.Revoke(c.Args().First())
				},
			},
			{
				Name:      "rm",
				ArgsUsage: "<uid>",
				Action: func(c *cli.Context) error {
					e, err := buildEnv(c)
					if err != nil {
						return err
					}
					defer e.engine.Close()
					return e.engine.Unrevoke(c.Args().First())
				},
			},
			{
				Name: "list",
				Action: func(c *cli.Context) error {
					e, err := buildEnv(c)
					if err != nil {
						return err
					}
					defer e.engine.Close()
					uids, err := e.engine.RevokedUIDs()
					if err != nil {
						return err
					}
					for _, uid := range uids {
						fmt.Println(uid)
					}
					return nil
				},
			},
		},
	}
}

func balanceCmd() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "print the token and gas balances of a card",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "uid", Required: true},
		},
		Action: func(c *cli.Context) error {
			e, err := buildEnv(c)
			if err != nil {
				return err
			}
			defer e.engine.Close()

			if e.cfg.RPCURL == "" || e.cfg.Token.Address == "" {
				return fmt.Errorf("rpc_url and token.address are required")
			}

			addr, err := e.engine.DeriveAddress(c.String("uid"))
			if err != nil {
				return err
			}

			token, err := clients.NewEVMTokenClient(c.Context, e.cfg.RPCURL, e.cfg.Token.Address)
			if err != nil {
				return err
			}
			defer token.Close()

			owner := common.HexToAddress(addr)
			bal, err := token.BalanceOf(c.Context, owner)
			if err != nil {
				return err
			}
			native, err := token.NativeBalance(c.Context, owner)
			if err != nil {
				return err
			}

			decimals, err := token.Decimals(c.Context)
			if err != nil {
				decimals = uint8(e.cfg.Token.DefaultDecimals)
			}
			symbol, err := token.Symbol(c.Context)
			if err != nil {
				symbol = "TOKEN"
			}

			fmt.Printf("address: %s\n", addr)
			fmt.Printf("balance: %s %s\n", utils.FormatAmountFromBigInt(bal, int(decimals)), symbol)
			fmt.Printf("native:  %s wei\n", native.String())
			return nil
		},
	}
}

func printResult(res *types.SettlementResult) error {
	if res.Settled {
		fmt.Printf("settled tx=%s\n", res.TxHash)
		if res.NonceUnmarked {
			fmt.Println("warning: replay ledger update failed; mark the nonce manually")
		}
		return nil
	}
	fmt.Printf("rejected reason=%s", res.Reason)
	if res.Error != "" {
		fmt.Printf(" error=%q", res.Error)
	}
	fmt.Println()
	return nil
}
