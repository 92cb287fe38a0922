package main

import (
	"crypto/rand"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"

	"github.com/roasbeef/btcd/btcec"

	"github.com/stephensong/offst/funderdb"
	"github.com/stephensong/offst/identity"
)

// readCryptoRand fills the passed buffer from the system CSPRNG.
func readCryptoRand(p []byte) (int, error) {
	return rand.Read(p)
}

// loadOrCreateIdentity reads the node's long-term private key from disk,
// generating and persisting a fresh one on first start.
func loadOrCreateIdentity(path string) (*btcec.PrivateKey, error) {
	if keyBytes, err := ioutil.ReadFile(path); err == nil {
		if len(keyBytes) != 32 {
			return nil, fmt.Errorf("malformed identity key file")
		}
		privKey, _ := btcec.PrivKeyFromBytes(btcec.S256(), keyBytes)
		return privKey, nil
	}

	privKey, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, err
	}

	if err := ioutil.WriteFile(path, privKey.Serialize(), 0600); err != nil {
		return nil, err
	}

	return privKey, nil
}

// funderdMain is the true entry point of funderd, separated from main so
// that defers run before the process exits.
func funderdMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	privKey, err := loadOrCreateIdentity(keyFilePath(cfg))
	if err != nil {
		return err
	}

	idService := identity.NewService(privKey)
	defer idService.Stop()

	srvrLog.Infof("Node identity: %x",
		privKey.PubKey().SerializeCompressed())

	db, err := funderdb.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	s := newServer(cfg, idService, db)
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	srvrLog.Infof("Shutting down")
	return nil
}

func main() {
	if err := funderdMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
