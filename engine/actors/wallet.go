package actors

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/nbd-wtf/go-nostr/nip06"
	"github.com/spf13/viper"
	"cloakroom/engine/library"
)

// LoadWallet returns the wallet persisted under the root dir, creating
// and persisting a fresh one on first run.
func LoadWallet(conf *viper.Viper) library.Wallet {
	if w, ok := walletFromDisk(conf); ok {
		return w
	}
	library.LogCLI("Generating a new wallet, write down the seed words if you want to keep it", 4)
	w := NewWallet()
	fmt.Printf("\n\n~NEW WALLET~\nPublic Key: %s\nSeed Words: %s\n\n", w.Account, w.SeedWords)
	if err := persistWallet(conf, w); err != nil {
		library.LogCLI(err.Error(), 0)
	}
	return w
}

func NewWallet() library.Wallet {
	seedWords, err := nip06.GenerateSeedWords()
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
	seed := nip06.SeedFromWords(seedWords)
	sk, err := nip06.PrivateKeyFromSeed(seed)
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
	return library.Wallet{
		PrivateKey: sk,
		SeedWords:  seedWords,
		Account:    getPubKey(sk),
	}
}

func getPubKey(privateKey string) string {
	keyb, err := hex.DecodeString(privateKey)
	if err != nil {
		library.LogCLI(fmt.Sprintf("Error decoding key from hex: %s", err.Error()), 0)
		return ""
	}
	_, pubkey := btcec.PrivKeyFromBytes(keyb)
	return hex.EncodeToString(pubkey.X().Bytes())
}

func persistWallet(conf *viper.Viper, w library.Wallet) error {
	b, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return os.WriteFile(conf.GetString("rootDir")+"wallet.dat", b, 0600)
}

func walletFromDisk(conf *viper.Viper) (library.Wallet, bool) {
	b, err := os.ReadFile(conf.GetString("rootDir") + "wallet.dat")
	if err != nil {
		return library.Wallet{}, false
	}
	var w library.Wallet
	if err = json.Unmarshal(b, &w); err != nil {
		library.LogCLI(err.Error(), 2)
		return library.Wallet{}, false
	}
	if len(w.PrivateKey) != 64 {
		return library.Wallet{}, false
	}
	return w, true
}
