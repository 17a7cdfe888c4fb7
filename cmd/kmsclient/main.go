package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/ruteri/federated-kms/api"
	"github.com/ruteri/federated-kms/api/kmshandler"
	"github.com/ruteri/federated-kms/api/pkihandler"
	"github.com/ruteri/federated-kms/cmd/flags"
	"github.com/ruteri/federated-kms/cryptoutils"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

var flagAccessToken *cli.StringFlag = &cli.StringFlag{
	Name:     "access-token",
	Usage:    "bearer token returned by the login callback",
	Required: true,
	EnvVars:  []string{"KMS_ACCESS_TOKEN"},
}

var flagKeyFile *cli.StringFlag = &cli.StringFlag{
	Name:  "key-file",
	Value: "kms-client-key.pem",
	Usage: "RSA private key. Generated if it does not exist.",
}

var flagPassphraseEnv *cli.StringFlag = &cli.StringFlag{
	Name:  "passphrase-env",
	Value: "KMS_PASSPHRASE",
	Usage: "environment variable read for the passphrase when stdin is not a terminal",
}

func main() {
	app := &cli.App{
		Name:           "kms client",
		Usage:          "Provision and recover escrowed keys",
		DefaultCommand: "lookup",
		Flags: []cli.Flag{
			flags.ServerAddrFlag,
		},
		Commands: []*cli.Command{
			&cli.Command{
				Name:  "acs",
				Usage: "post an identity provider response and print the login result",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "saml-response-file", Required: true, Usage: "file holding the base64 SAMLResponse"},
					&cli.StringFlag{Name: "relay-state", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					samlResponse, err := os.ReadFile(cCtx.String("saml-response-file"))
					if err != nil {
						return err
					}

					client := kmshandler.NewClient(cCtx.String(flags.ServerAddrFlag.Name))
					resp, err := client.CompleteLogin(cCtx.Context, string(bytes.TrimSpace(samlResponse)), cCtx.String("relay-state"))
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			&cli.Command{
				Name:  "provision",
				Usage: "submit a public key, solve the challenge and escrow a freshly generated wrapped key",
				Flags: []cli.Flag{
					flagAccessToken,
					flagKeyFile,
					flagPassphraseEnv,
				},
				Action: func(cCtx *cli.Context) error {
					ctx := cCtx.Context
					accessToken := cCtx.String(flagAccessToken.Name)
					client := kmshandler.NewClient(cCtx.String(flags.ServerAddrFlag.Name))

					priv, err := loadOrGenerateKey(cCtx.String(flagKeyFile.Name))
					if err != nil {
						return err
					}
					pubJWK, err := cryptoutils.EncodePublicKey(&priv.PublicKey, "RSA-OAEP-256")
					if err != nil {
						return err
					}

					resp, err := client.SendPublicKey(ctx, accessToken, pubJWK)
					if err != nil {
						return err
					}

					solved, err := cryptoutils.DecryptChallenge(priv, resp.Challenge)
					if err != nil {
						return err
					}
					resp, err = client.SolveChallenge(ctx, accessToken, solved)
					if err != nil {
						return err
					}

					passphrase, err := readPassphrase(cCtx.String(flagPassphraseEnv.Name), true)
					if err != nil {
						return err
					}
					kek, err := cryptoutils.DeriveWrappingKey(passphrase, resp.Salt)
					if err != nil {
						return err
					}

					dataKey := cryptoutils.GenerateRandomBytes(32)
					wrapped, err := cryptoutils.WrapKey(kek, dataKey)
					if err != nil {
						return err
					}

					resp, err = client.SendWrappedKey(ctx, accessToken, wrapped)
					if err != nil {
						return err
					}

					fmt.Fprintf(os.Stderr, "key escrowed (%s)\n", resp.Task)
					fmt.Println(hex.EncodeToString(dataKey))
					return nil
				},
			},
			&cli.Command{
				Name:  "unwrap",
				Usage: "recover a key from the wrapped key and salt returned at login",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "wrapped-key", Required: true},
					&cli.StringFlag{Name: "salt", Required: true},
					flagPassphraseEnv,
				},
				Action: func(cCtx *cli.Context) error {
					passphrase, err := readPassphrase(cCtx.String(flagPassphraseEnv.Name), false)
					if err != nil {
						return err
					}
					kek, err := cryptoutils.DeriveWrappingKey(passphrase, cCtx.String("salt"))
					if err != nil {
						return err
					}
					key, err := cryptoutils.UnwrapKey(kek, cCtx.String("wrapped-key"))
					if err != nil {
						return err
					}
					fmt.Println(hex.EncodeToString(key))
					return nil
				},
			},
			&cli.Command{
				Name:  "lookup",
				Usage: "fetch a published public key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: api.QueryKeyNameID, Usage: "key name identifier"},
					&cli.StringFlag{Name: api.QueryMail, Usage: "owner mail address"},
				},
				Action: func(cCtx *cli.Context) error {
					baseURL := cCtx.String(flags.ServerAddrFlag.Name)

					var (
						key *pkihandler.PublicKey
						err error
					)
					switch {
					case cCtx.String(api.QueryKeyNameID) != "":
						key, err = pkihandler.LookupByKeyName(cCtx.Context, baseURL, cCtx.String(api.QueryKeyNameID))
					case cCtx.String(api.QueryMail) != "":
						key, err = pkihandler.LookupByMail(cCtx.Context, baseURL, cCtx.String(api.QueryMail))
					default:
						return errors.New("one of --keynameid or --mail is required")
					}
					if err != nil {
						return err
					}
					return printJSON(api.Response{Task: "usePubKey", PublicKey: key.JWK, KeyNameIdentifier: key.KeyNameIdentifier})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadOrGenerateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%s: no PEM block", path)
		}
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	encoded := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "generated %s\n", path)
	return priv, nil
}

func readPassphrase(envName string, confirm bool) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if v := os.Getenv(envName); v != "" {
			return []byte(v), nil
		}
		return nil, fmt.Errorf("stdin is not a terminal and %s is unset", envName)
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	passphrase, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}

	if confirm {
		fmt.Fprint(os.Stderr, "Repeat passphrase: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(passphrase, again) {
			return nil, errors.New("passphrases do not match")
		}
	}
	return passphrase, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
