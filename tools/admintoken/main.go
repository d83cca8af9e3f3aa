// Command admintoken prints a signed bearer token for the administrative
// API. The signing key comes from the ADMIN_KEY environment variable and
// must match the key the service runs with.
package main

import (
	"fmt"
	"os"

	"github.com/joeshaw/envdecode"

	"github.com/appwharf/appwharf/core/access"
)

type config struct {
	AdminKey string `env:"ADMIN_KEY,required" description:"the signing key for admin bearer tokens"`
}

func main() {
	cfg := config{}
	if err := envdecode.Decode(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	token, err := access.NewAdminToken([]byte(cfg.AdminKey))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
