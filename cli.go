package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/blocknetprivacy/minichain/wallet"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// passwordEnv supplies the keystore password non-interactively.
const passwordEnv = envPrefix + "_PASSWORD"

// cliApp carries state shared by every subcommand.
type cliApp struct {
	v       *viper.Viper
	cfgFile string
	remote  string
	token   string
	cfg     *Config

	out    io.Writer
	reader *bufio.Reader
}

func newRootCommand() *cobra.Command {
	app := &cliApp{
		v:      NewViper(),
		out:    os.Stdout,
		reader: bufio.NewReader(os.Stdin),
	}

	root := &cobra.Command{
		Use:           "minichain",
		Short:         "A minimal proof-of-work UTXO ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(app.v, app.cfgFile)
			if err != nil {
				return err
			}
			app.cfg = cfg
			log.SetLevel(cfg.LogLevel)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&app.cfgFile, "config", "", "config file (yaml, toml or json)")
	pf.StringVar(&app.remote, "remote", "", "node API base URL; read and submit through it instead of the local database")
	pf.StringVar(&app.token, "token", "", "API token for --remote control routes (default: read from the data dir cookie)")
	pf.String("datadir", DefaultDataDir, "data directory")
	pf.String("storage", StorageEngineBolt, "storage engine: bolt or badger")
	pf.Uint32("difficulty", DefaultDifficulty, "proof-of-work difficulty in leading zero bits")
	pf.String("log-level", log.InfoLevel.String(), "log level")
	pf.String("keystore", "", "keystore file (default <datadir>/"+DefaultKeystoreFilename+")")
	app.bind(pf.Lookup("datadir"), DataDirKey)
	app.bind(pf.Lookup("storage"), StorageEngineKey)
	app.bind(pf.Lookup("difficulty"), DifficultyKey)
	app.bind(pf.Lookup("log-level"), LogLevelKey)
	app.bind(pf.Lookup("keystore"), KeystorePathKey)

	root.AddCommand(
		app.daemonCommand(),
		app.initCommand(),
		app.mineCommand(),
		app.sendCommand(),
		app.balanceCommand(),
		app.txCommand(),
		app.blockCommand(),
		app.statusCommand(),
		app.reindexCommand(),
		app.keyCommand(),
	)
	return root
}

func (a *cliApp) bind(flag *pflag.Flag, key string) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// ============================================================================
// Commands
// ============================================================================

func (a *cliApp) daemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run a node: API, peer sync and optional mining",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := NewDaemon(a.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := d.Close(); err != nil {
					log.WithError(err).Warn("Shutdown")
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.String("api", DefaultAPIAddr, "API listen address (empty disables)")
	f.Bool("api-auth", true, "require the cookie token on control routes")
	f.String("transport", TransportHTTP, "peer transport: http or libp2p")
	f.StringSlice("listen", []string{"/ip4/0.0.0.0/tcp/28080"}, "libp2p listen multiaddrs")
	f.StringSlice("peers", nil, "peer API URLs (http) or multiaddrs (libp2p)")
	f.Bool("mine", false, "mine blocks continuously")
	f.String("mining-address", "", "address receiving block rewards")
	f.Bool("mine-empty", false, "mine blocks with no pending transactions")
	a.bind(f.Lookup("api"), APIListenKey)
	a.bind(f.Lookup("api-auth"), APIAuthKey)
	a.bind(f.Lookup("transport"), TransportKey)
	a.bind(f.Lookup("listen"), P2PListenKey)
	a.bind(f.Lookup("peers"), PeersKey)
	a.bind(f.Lookup("mine"), MiningEnabledKey)
	a.bind(f.Lookup("mining-address"), MiningAddressKey)
	a.bind(f.Lookup("mine-empty"), MiningEmptyKey)
	return cmd
}

func (a *cliApp) initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init <address>",
		Short: "Create the chain with a genesis block paying address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !wallet.ValidateAddress(args[0]) {
				return wallet.ErrInvalidAddress
			}
			chain, err := a.openChain()
			if err != nil {
				return err
			}
			defer chain.Close()

			b, err := chain.CreateGenesis(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Genesis block %s created\n", b.Hash)
			return nil
		},
	}
}

func (a *cliApp) mineCommand() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Mine one block with the pending transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				address = a.cfg.MiningAddress
			}
			if a.remote != "" {
				body, err := a.remoteClient().Mine(cmd.Context(), address)
				if err != nil {
					return err
				}
				return a.printRaw(body)
			}

			chain, err := a.openChain()
			if err != nil {
				return err
			}
			defer chain.Close()

			b, err := NewMiner(chain, nil, MinerConfig{Address: address}).MineOnce(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(newBlockView(b))
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "address receiving the block reward")
	return cmd
}

func (a *cliApp) sendCommand() *cobra.Command {
	var (
		mine   bool
		reward string
	)
	cmd := &cobra.Command{
		Use:   "send <from> <to> <amount>",
		Short: "Pay amount from a keystore address to another address",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to := args[0], args[1]
			amount, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil || amount == 0 {
				return errors.Errorf("invalid amount %q", args[2])
			}
			if reward == "" {
				reward = from
			}

			ks, err := a.openKeystore()
			if err != nil {
				return err
			}
			if a.remote != "" {
				return a.sendRemote(cmd.Context(), ks, from, to, amount, mine, reward)
			}

			chain, err := a.openChain()
			if err != nil {
				return err
			}
			defer chain.Close()

			tx, err := NewSpend(from, to, amount, chain.UTXO(), chain, ks)
			if err != nil {
				return err
			}
			if !mine {
				// Without a daemon there is nowhere to queue the transaction.
				return errors.New("local send requires --mine; use --remote to submit to a running node")
			}
			b, err := chain.MineRewardBlock(cmd.Context(), reward, []*Transaction{tx})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Sent %d from %s to %s in tx %s (block %d)\n", amount, from, to, tx.Hash, b.Header.Height)
			return nil
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", true, "mine a block holding the transaction right away")
	cmd.Flags().StringVar(&reward, "reward", "", "address receiving the block reward (default: sender)")
	return cmd
}

// sendRemote builds the transaction from the node's view of the sender's
// outputs, then submits it and optionally asks the node to mine.
func (a *cliApp) sendRemote(ctx context.Context, ks *wallet.Keystore, from, to string, amount uint64, mine bool, reward string) error {
	client := a.remoteClient()
	unspent, err := client.Unspent(ctx, from)
	if err != nil {
		return err
	}
	tx, err := NewSpend(from, to, amount, unspent, unspent, ks)
	if err != nil {
		return err
	}
	if err := client.SubmitTx(ctx, tx); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Submitted tx %s\n", tx.Hash)
	if !mine {
		return nil
	}
	body, err := client.Mine(ctx, reward)
	if err != nil {
		return err
	}
	return a.printRaw(body)
}

func (a *cliApp) balanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <address>",
		Short: "Show the spendable balance of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.remote != "" {
				body, err := a.remoteClient().Get(cmd.Context(), "/api/balance/"+args[0])
				if err != nil {
					return err
				}
				return a.printRaw(body)
			}
			chain, err := a.openChain()
			if err != nil {
				return err
			}
			defer chain.Close()

			balance, err := chain.Balance(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Balance of '%s': %d\n", args[0], balance)
			return nil
		},
	}
}

func (a *cliApp) txCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tx <hash>",
		Short: "Show a confirmed transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := ParseHash(args[0])
			if err != nil {
				return err
			}
			if a.remote != "" {
				body, err := a.remoteClient().Get(cmd.Context(), "/api/tx/"+hash.String())
				if err != nil {
					return err
				}
				return a.printRaw(body)
			}
			chain, err := a.openChain()
			if err != nil {
				return err
			}
			defer chain.Close()

			tx, b, err := chain.FindTransactionBlock(hash)
			if err != nil {
				return err
			}
			return a.printJSON(txLookupView{Tx: newTxView(tx), Status: "confirmed", BlockHeight: b.Header.Height, BlockHash: &b.Hash})
		},
	}
}

func (a *cliApp) blockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "block <number>",
		Short: "Show the block at a height",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return errors.Errorf("invalid block number %q", args[0])
			}
			if a.remote != "" {
				body, err := a.remoteClient().Get(cmd.Context(), "/api/block/"+args[0])
				if err != nil {
					return err
				}
				return a.printRaw(body)
			}
			chain, err := a.openChain()
			if err != nil {
				return err
			}
			defer chain.Close()

			b, err := chain.GetBlock(number)
			if err != nil {
				return err
			}
			return a.printJSON(newBlockView(b))
		},
	}
}

func (a *cliApp) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show chain height and tip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.remote != "" {
				body, err := a.remoteClient().Get(cmd.Context(), "/api/status")
				if err != nil {
					return err
				}
				return a.printRaw(body)
			}
			chain, err := a.openChain()
			if err != nil {
				return err
			}
			defer chain.Close()

			tip, height := chain.Tip()
			count, err := chain.UTXO().Count()
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{
				"height":     height,
				"tip":        tip,
				"difficulty": chain.Difficulty(),
				"utxo_txs":   count,
				"storage":    a.cfg.StorageEngine,
			})
		},
	}
}

func (a *cliApp) reindexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the UTXO index from the stored blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := a.openChain()
			if err != nil {
				return err
			}
			defer chain.Close()

			var bar *progressbar.ProgressBar
			err = chain.Reindex(func(done, total uint64) {
				if bar == nil {
					bar = progressbar.NewOptions64(
						int64(total),
						progressbar.OptionSetWriter(os.Stderr),
						progressbar.OptionClearOnFinish(),
						progressbar.OptionSetDescription("Reindexing blocks..."),
						progressbar.OptionShowCount(),
					)
				}
				_ = bar.Set64(int64(done))
			})
			if bar != nil {
				_ = bar.Finish()
			}
			if err != nil {
				return err
			}

			count, err := chain.UTXO().Count()
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Done! There are %d transactions in the UTXO set.\n", count)
			return nil
		},
	}
}

func (a *cliApp) keyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage keystore addresses",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "new",
			Short: "Generate a key and print its address",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ks, err := a.openKeystore()
				if err != nil {
					return err
				}
				addr, err := ks.NewKey()
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Your new address: %s\n", addr)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List keystore addresses",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ks, err := a.openKeystore()
				if err != nil {
					return err
				}
				for _, addr := range ks.Addresses() {
					fmt.Fprintln(a.out, addr)
				}
				return nil
			},
		},
	)
	return cmd
}

// ============================================================================
// Helpers
// ============================================================================

// remoteClient targets --remote, authenticating with --token or the cookie
// of a daemon sharing this data dir.
func (a *cliApp) remoteClient() *nodeClient {
	token := a.token
	if token == "" {
		if cookie, err := readCookie(a.cfg.DataDir); err == nil {
			token = cookie
		}
	}
	return newNodeClient(a.remote, token)
}

func (a *cliApp) openChain() (*Chain, error) {
	store, err := OpenChainStore(a.cfg.StorageEngine, a.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	chain, err := NewChain(store, ChainConfig{Difficulty: a.cfg.Difficulty})
	if err != nil {
		store.Close()
		return nil, err
	}
	return chain, nil
}

// openKeystore unlocks the configured keystore, asking for a new password
// when the file does not exist yet.
func (a *cliApp) openKeystore() (*wallet.Keystore, error) {
	path := a.cfg.KeystoreFile()
	if err := os.MkdirAll(a.cfg.DataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	var (
		password []byte
		err      error
	)
	if env := os.Getenv(passwordEnv); env != "" {
		password = []byte(env)
	} else if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		password, err = a.promptNewPassword()
	} else {
		password, err = a.promptPassword("Keystore password: ")
	}
	if err != nil {
		return nil, err
	}
	defer wipe(password)

	return wallet.OpenKeystore(path, password, wallet.DefaultKDFParams)
}

func (a *cliApp) promptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return password, err
	}

	line, err := a.reader.ReadString('\n')
	if err != nil && line == "" {
		return nil, errors.Wrap(err, "read password")
	}
	return []byte(strings.TrimSpace(line)), nil
}

func (a *cliApp) promptNewPassword() ([]byte, error) {
	password, err := a.promptPassword("New keystore password: ")
	if err != nil {
		return nil, err
	}
	if len(password) < 3 {
		wipe(password)
		return nil, errors.New("password must be at least 3 characters")
	}

	confirm, err := a.promptPassword("Confirm password: ")
	if err != nil {
		wipe(password)
		return nil, err
	}
	defer wipe(confirm)
	if string(password) != string(confirm) {
		wipe(password)
		return nil, errors.New("passwords do not match")
	}
	return password, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (a *cliApp) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *cliApp) printRaw(body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		_, err = a.out.Write(body)
		return err
	}
	return a.printJSON(v)
}
