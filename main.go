package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"log"

	"go.uber.org/zap"

	"github.com/cvhariharan/go-marks/config"
	"github.com/cvhariharan/go-marks/fed"
	"github.com/cvhariharan/go-marks/models"
	"github.com/cvhariharan/go-marks/server"
	"github.com/cvhariharan/go-marks/store"
)

func main() {
	v, err := config.LoadConfig("config")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg, err := config.ParseConfig(v)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	var logger *zap.Logger
	if cfg.LoggerMode.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	st, err := store.Open(cfg.DB.Path, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	if err := ensureAccount(context.Background(), st, cfg); err != nil {
		logger.Fatal("account setup", zap.Error(err))
	}

	account := cfg.Account.Username
	domain := cfg.Account.Domain
	builder := fed.NewBuilder(st, account, domain, logger)
	signer := fed.NewSigner(st, account, domain, logger)
	resolver := fed.NewResolver(logger)
	renderer := fed.NewRenderer(st, builder, account, domain, logger)
	broadcaster := fed.NewBroadcaster(st, builder, signer, account, cfg.Federation.Enabled, logger)

	srv := server.New(st, builder, signer, resolver, renderer, broadcaster, account, domain, logger)
	logger.Info("starting server",
		zap.String("port", cfg.Server.Port),
		zap.String("actor", fed.ActorURI(domain, account)))
	if err := srv.Start(cfg.Server.Port); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// ensureAccount creates the account row and key pair on first run, and on
// every run refreshes the mutable profile fields from config. Identity
// fields and keys are never touched once set.
func ensureAccount(ctx context.Context, st *store.Store, cfg *config.Config) error {
	name := cfg.Account.Username
	domain := cfg.Account.Domain

	if err := st.EnsureAccount(ctx, name); err != nil {
		return err
	}

	priv, err := st.GetPrivateKey(ctx, name)
	if err != nil {
		return err
	}
	if priv == "" {
		pubPem, privPem, err := createKeys()
		if err != nil {
			return err
		}
		if err := st.SetKeys(ctx, name, pubPem, privPem); err != nil {
			return err
		}
	}

	pubPem, err := st.GetPublicKey(ctx, name)
	if err != nil {
		return err
	}

	uri := fed.ActorURI(domain, name)
	actor := models.Actor{
		Context: []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		ID:                uri,
		Type:              "Person",
		PreferredUsername: name,
		Name:              cfg.Account.Name,
		Summary:           cfg.Account.Summary,
		Inbox:             uri + "/inbox",
		Outbox:            uri + "/outbox",
		Followers:         uri + "/followers",
		Following:         uri + "/following",
		PubKey: models.PublicKey{
			ID:        uri + "#main-key",
			Owner:     uri,
			PubKeyPem: pubPem,
		},
	}
	if cfg.Account.Avatar != "" {
		actor.Icon = &models.Image{Type: "Image", URL: cfg.Account.Avatar}
	}

	raw, err := json.Marshal(&actor)
	if err != nil {
		return err
	}
	return st.SetActor(ctx, name, string(raw))
}

// createKeys returns (publicKeyPem, privateKeyPem).
func createKeys() (string, string, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", err
	}

	privPem := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privKey),
	})
	pubPem := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&privKey.PublicKey),
	})
	return string(pubPem), string(privPem), nil
}
