/*
Package cli facilitates building command-line applications that talk to the
Connected Services backend. It defines a [Config] type that registers common
command-line flags (using the Golang flag package) and environment variable
equivalents.

The package uses [keyring]'s platform-agnostic interface for storing the
account password in an OS-dependent credential store.

# Examples

	import flag

	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for email, region, keyring, etc.
	flag.Parse()
	config.ReadFromEnvironment() // Fills in missing fields using environment variables
	config.LoadCredentials()     // Prompt for passwords if needed

	acct, err := config.Account()
	if err != nil {
		panic(err)
	}

Use a [Flag] mask to control which [Config] fields are populated. Note that
config.Flags must be set before calling [flag.Parse] or
[Config.ReadFromEnvironment]:

	config, err = cli.NewConfig(cli.FlagCredentials)               // email/password/region only
	config, err = cli.NewConfig(cli.FlagCredentials | cli.FlagVIN) // also scan for a target VIN
*/
package cli

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/99designs/keyring"

	"github.com/mazda-community/carconnect/internal/log"
	"github.com/mazda-community/carconnect/pkg/account"
	"github.com/mazda-community/carconnect/pkg/connector/cloud"
)

// Environment variable names used by [Config.ReadFromEnvironment] to set
// common parameters.
const (
	EnvMazdaEmail        = "MAZDA_EMAIL"
	EnvMazdaPassword     = "MAZDA_PASSWORD"
	EnvMazdaRegion       = "MAZDA_REGION"
	EnvMazdaVIN          = "MAZDA_VIN"
	EnvMazdaKeyringType  = "MAZDA_KEYRING_TYPE"
	EnvMazdaKeyringPass  = "MAZDA_KEYRING_PASSWORD"
	EnvMazdaKeyringPath  = "MAZDA_KEYRING_PATH"
	EnvMazdaKeyringDebug = "MAZDA_KEYRING_DEBUG"
)

// Flag controls what options should be scanned from the command line and/or
// environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagCredentials Flag = 1 // Enable email/password/region options.
	FlagVIN         Flag = 2 // Enable VIN option.
	FlagKeyring     Flag = 4 // Enable credential-store options.
	FlagAll         Flag = FlagCredentials | FlagVIN | FlagKeyring
)

var (
	ErrNoCredentials = errors.New("account email and password not provided")
	ErrKeyNotFound   = keyring.ErrKeyNotFound
)

// RegionList is used to validate region codes provided at the command line.
type RegionList struct {
	value string
}

// Set updates a RegionList from a command-line argument.
func (r *RegionList) Set(value string) error {
	canonical := strings.ToUpper(value)
	for _, region := range cloud.Regions() {
		if region == canonical {
			r.value = canonical
			return nil
		}
	}
	return fmt.Errorf("unknown region '%s' (supported: %s)", value, strings.Join(cloud.Regions(), ", "))
}

func (r *RegionList) String() string {
	return r.value
}

// Config fields determine how a client authenticates to the backend.
type Config struct {
	Flags       Flag   // Controls which set of environment variables/CLI flags to use.
	Email       string // Account email address
	Region      RegionList
	VIN         string
	Backend     keyring.Config
	BackendType backendType
	Debug       bool // Enable keyring debug messages

	// CacheVehicleList makes Account reuse the first discovered vehicle
	// list for the lifetime of the process.
	CacheVehicleList bool

	password        *string
	keyringPassword *string
	acct            *account.Account
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getKeyringPassword
	c.Backend.FilePasswordFunc = c.getKeyringPassword

	return &c, nil
}

func (c *Config) RegisterCommandLineFlags() {
	if c.Flags.isSet(FlagCredentials) {
		flag.StringVar(&c.Email, "email", "", "Account email `address`. Defaults to $MAZDA_EMAIL.")
		flag.Var(&c.Region, "region", "Account region ("+strings.Join(cloud.Regions(), "|")+"). Defaults to $MAZDA_REGION.")
	}
	if c.Flags.isSet(FlagVIN) {
		flag.StringVar(&c.VIN, "vin", "", "Vehicle Identification Number. Defaults to $MAZDA_VIN.")
	}
	if c.Flags.isSet(FlagKeyring) {
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		flag.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $MAZDA_KEYRING_TYPE.")
		flag.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		flag.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// ReadFromEnvironment populates c using environment variables. Values that
// are already populated are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization
// method) will prevent the environment from overriding explicit command-line
// parameters and avoid potentially misleading debug log messages.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagCredentials) {
		if c.Email == "" {
			c.Email = os.Getenv(EnvMazdaEmail)
			log.Debug("Set email to '%s'", c.Email)
		}
		if c.Region.String() == "" {
			if region := os.Getenv(EnvMazdaRegion); region != "" {
				if err := c.Region.Set(region); err != nil {
					log.Warning("Ignoring $%s: %s", EnvMazdaRegion, err)
				} else {
					log.Debug("Set region to '%s'", c.Region.String())
				}
			}
		}
		if c.password == nil {
			if password, ok := os.LookupEnv(EnvMazdaPassword); ok {
				c.password = &password
				log.Debug("Set account password from environment")
			}
		}
	}
	if c.Flags.isSet(FlagVIN) {
		if c.VIN == "" {
			c.VIN = os.Getenv(EnvMazdaVIN)
			log.Debug("Set VIN to '%s'", c.VIN)
		}
	}
	if c.Flags.isSet(FlagKeyring) {
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvMazdaKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.keyringPassword == nil {
			if password, ok := os.LookupEnv(EnvMazdaKeyringPass); ok {
				c.keyringPassword = &password
				log.Debug("Set keyring password from environment")
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvMazdaKeyringPath)
			log.Debug("Set keyring file path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvMazdaKeyringDebug)
			log.Debug("Set keyring debug logging to '%v'", c.Debug)
		}
	}
}

// LoadCredentials resolves the account password, consulting (in order) the
// environment, the system keyring, and finally an interactive prompt. Call
// this method before [Config.Account] to prevent interactive prompts from
// counting against timeouts.
func (c *Config) LoadCredentials() error {
	_, err := c.accountPassword()
	return err
}

func (c *Config) accountPassword() (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}
	if c.Flags.isSet(FlagKeyring) && c.Email != "" {
		password, err := c.LoadPasswordFromKeyring()
		if err == nil {
			c.password = &password
			return password, nil
		}
		if !errors.Is(err, keyring.ErrKeyNotFound) {
			log.Debug("Keyring lookup failed: %s", err)
		}
	}
	password, err := c.promptForPassword("Password for " + c.Email)
	if err != nil {
		return "", err
	}
	c.password = &password
	return password, nil
}

// Account logs into and returns the configured account.
func (c *Config) Account() (*account.Account, error) {
	if c.acct != nil {
		return c.acct, nil
	}
	if c.Email == "" {
		return nil, ErrNoCredentials
	}
	password, err := c.accountPassword()
	if err != nil {
		return nil, err
	}
	var opts []account.Option
	if c.CacheVehicleList {
		opts = append(opts, account.WithCachedVehicleList())
	}
	c.acct, err = account.New(c.Email, password, c.Region.String(), opts...)
	return c.acct, err
}
