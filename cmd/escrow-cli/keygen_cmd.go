package main

import (
	"fmt"
	"io"

	"escrowd/crypto"
)

func runKeygen(stdout, stderr io.Writer) int {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to generate key: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "address:     %s\n", key.PubKey().Address())
	fmt.Fprintf(stdout, "private key: %s\n", formatKeyBytes(key.Bytes()))
	return 0
}
