// ubuf-keygen prints a fresh base64 session key, or writes it to a file.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/go-log/log"
	"github.com/go-ubuf/ubuf"
)

func main() {
	var output string
	flag.StringVar(&output, "o", "", "write the key to this file (mode 0600) instead of stdout")
	flag.Parse()

	key, err := ubuf.GenerateKey()
	if err != nil {
		log.Log(err)
		os.Exit(1)
	}

	if output == "" {
		fmt.Println(key)
		return
	}
	if err := ioutil.WriteFile(output, []byte(key.String()+"\n"), 0600); err != nil {
		log.Log(err)
		os.Exit(1)
	}
	log.Logf("key written to %s", output)
}
