// keygen 生成 Reality 所需的 X25519 密钥对，输出 Xray 兼容的
// base64url 无填充编码。
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/curve25519"
)

func main() {
	var private [32]byte
	if _, err := io.ReadFull(rand.Reader, private[:]); err != nil {
		fmt.Fprintf(os.Stderr, "generate private key: %v\n", err)
		os.Exit(1)
	}

	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "derive public key: %v\n", err)
		os.Exit(1)
	}

	privateB64 := base64.RawURLEncoding.EncodeToString(private[:])
	publicB64 := base64.RawURLEncoding.EncodeToString(public)

	fmt.Println("Private key:", privateB64)
	fmt.Println("Public key: ", publicB64)
	fmt.Println()
	fmt.Println("服务端 config.json:")
	fmt.Printf("  \"realitySettings\": { \"privateKey\": %q }\n", privateB64)
	fmt.Println("客户端 (Xray) 配置:")
	fmt.Printf("  \"realitySettings\": { \"publicKey\": %q }\n", publicB64)
}
