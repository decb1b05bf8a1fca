// Command uefisign signs PE/COFF images for UEFI Secure Boot.
package main

import (
	"github.com/uefisign/uefisign/cmdline"

	_ "github.com/uefisign/uefisign/signprovider/awskmsprovider"
	_ "github.com/uefisign/uefisign/signprovider/azurekvprovider"
	_ "github.com/uefisign/uefisign/signprovider/fileprovider"
	_ "github.com/uefisign/uefisign/signprovider/gcpkmsprovider"
	_ "github.com/uefisign/uefisign/signprovider/pkcs11provider"
)

func main() {
	cmdline.Main()
}
