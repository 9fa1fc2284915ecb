package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/duoprime/dbft/pkg/config"
	"github.com/duoprime/dbft/pkg/keys"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	ctl := cli.NewApp()
	ctl.Name = "dbftnode"
	ctl.Usage = "dual-primary dBFT validator node"
	ctl.ErrWriter = os.Stderr

	ctl.Commands = []cli.Command{
		runCommand,
		keygenCommand,
	}
	return ctl
}

var configFlag = cli.StringFlag{
	Name:  "config, c",
	Usage: "path to the node's yaml configuration",
	Value: "./node.yaml",
}

var runCommand = cli.Command{
	Name:   "run",
	Usage:  "start the validator node",
	Action: runNode,
	Flags:  []cli.Flag{configFlag},
}

var keygenCommand = cli.Command{
	Name:   "keygen",
	Usage:  "generate a validator key pair",
	Action: keygen,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "encrypt",
			Usage: "encrypt the generated private key with a passphrase read from the terminal",
		},
	},
}

func runNode(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogPath)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	var unlocked *keys.PrivateKey
	if cfg.PrivateKeyEncrypted != "" {
		password, err := readPassword("validator key passphrase: ")
		if err != nil {
			return err
		}
		unlocked, err = decryptPrivateKey(cfg.PrivateKeyEncrypted, password)
		if err != nil {
			return err
		}
	}

	n, err := newNode(cfg, logger, unlocked)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		close(stop)
	}()

	return n.Run(stop)
}

func keygen(c *cli.Context) error {
	priv, err := keys.NewPrivateKey()
	if err != nil {
		return err
	}

	fmt.Printf("public key:  %s\n", hex.EncodeToString(priv.PublicKey().Bytes()))

	if !c.Bool("encrypt") {
		fmt.Printf("private key: %s\n", hex.EncodeToString(priv.Bytes()))
		return nil
	}

	password, err := readPassword("passphrase: ")
	if err != nil {
		return err
	}
	confirm, err := readPassword("confirm passphrase: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return errors.New("passphrases do not match")
	}

	encrypted, err := encryptPrivateKey(priv, password)
	if err != nil {
		return err
	}
	fmt.Printf("encrypted private key (PrivateKeyEncrypted): %s\n", encrypted)
	return nil
}

func newLogger(path string) (*zap.Logger, error) {
	if path == "" {
		return zap.NewProduction()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	return cfg.Build()
}
