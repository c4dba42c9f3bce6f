package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/go-ubuf/ubuf"
)

type wsConfig struct {
	Path        string `json:"path"`
	Compression bool   `json:"compression"`
	ReadBuffer  int    `json:"rbuf"`
	WriteBuffer int    `json:"wbuf"`
}

type config struct {
	Send             string          `json:"send"`
	Recv             string          `json:"recv"`
	KeyFile          string          `json:"keyfile"`
	Key              string          `json:"key"`
	Transport        string          `json:"transport"`
	BlockSize        int             `json:"blocksize"`
	Compress         bool            `json:"compress"`
	HandshakeTimeout int             `json:"handshake_timeout"`
	Debug            bool            `json:"debug"`
	Quiet            bool            `json:"quiet"`
	KCP              *ubuf.KCPConfig `json:"kcp"`
	WS               *wsConfig       `json:"ws"`
}

// errVersion asks main to print the version and exit.
var errVersion = errors.New("version requested")

// parseArgs builds the config from the command line and the configure files
// it names.
func parseArgs(args []string) (*config, error) {
	var (
		configureFile string
		kcpConfigFile string
		printVersion  bool
		fl            config
	)

	fs := flag.NewFlagSet("ubuf", flag.ContinueOnError)
	fs.StringVar(&fl.Send, "s", "", "send stdin to the receiver at this address")
	fs.StringVar(&fl.Recv, "r", "", "listen on this address and write the received stream to stdout")
	fs.StringVar(&fl.KeyFile, "k", "", "file holding the base64 session key")
	fs.StringVar(&fl.Key, "K", "", "base64 session key")
	fs.StringVar(&fl.Transport, "t", "kcp", "transport: kcp, tcp or ws")
	fs.StringVar(&kcpConfigFile, "c", "", "kcp configure file")
	fs.StringVar(&configureFile, "C", "", "configure file")
	fs.IntVar(&fl.BlockSize, "b", ubuf.DefaultBlockSize, "block size in bytes, must match on both peers")
	fs.BoolVar(&fl.Compress, "z", false, "compress blocks with snappy")
	fs.IntVar(&fl.HandshakeTimeout, "T", int(ubuf.HandshakeTimeout/time.Second), "dial and handshake timeout in seconds")
	fs.BoolVar(&fl.Debug, "D", false, "enable debug log")
	fs.BoolVar(&fl.Quiet, "q", false, "disable the log")
	fs.BoolVar(&printVersion, "V", false, "print version")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if printVersion {
		return nil, errVersion
	}
	if fs.NFlag() == 0 {
		fs.PrintDefaults()
		return nil, flag.ErrHelp
	}

	cfg, err := loadConfigureFile(configureFile)
	if err != nil {
		return nil, err
	}
	cfg.merge(&fl, setFlags(fs))

	if kcpConfigFile != "" {
		if cfg.KCP, err = parseKCPConfig(kcpConfigFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// defaultKCPConfig is DefaultKCPConfig without its packet key.
func defaultKCPConfig() *ubuf.KCPConfig {
	c := ubuf.DefaultKCPConfig
	c.Key = ""
	return &c
}

// loadConfigureFile reads a JSON configure file. Keys missing from the
// kcp section keep their defaults.
func loadConfigureFile(configureFile string) (*config, error) {
	cfg := &config{}
	if configureFile == "" {
		return cfg, nil
	}
	content, err := ioutil.ReadFile(configureFile)
	if err != nil {
		return nil, err
	}
	cfg.KCP = defaultKCPConfig()
	if err := json.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", configureFile, err)
	}
	return cfg, nil
}

// setFlags returns the names of the flags given on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

// merge overrides cfg with the flags given on the command line. Flag
// defaults fill fields the configure file left empty.
func (cfg *config) merge(fl *config, set map[string]bool) {
	pick := func(name string, empty bool) bool {
		return set[name] || empty
	}
	if pick("s", cfg.Send == "") {
		cfg.Send = fl.Send
	}
	if pick("r", cfg.Recv == "") {
		cfg.Recv = fl.Recv
	}
	if pick("k", cfg.KeyFile == "") {
		cfg.KeyFile = fl.KeyFile
	}
	if pick("K", cfg.Key == "") {
		cfg.Key = fl.Key
	}
	if pick("t", cfg.Transport == "") {
		cfg.Transport = fl.Transport
	}
	if pick("b", cfg.BlockSize == 0) {
		cfg.BlockSize = fl.BlockSize
	}
	if pick("z", !cfg.Compress) {
		cfg.Compress = fl.Compress
	}
	if pick("T", cfg.HandshakeTimeout == 0) {
		cfg.HandshakeTimeout = fl.HandshakeTimeout
	}
	if pick("D", !cfg.Debug) {
		cfg.Debug = fl.Debug
	}
	if pick("q", !cfg.Quiet) {
		cfg.Quiet = fl.Quiet
	}
}

func (cfg *config) sessionKey() (ubuf.Key, error) {
	switch {
	case cfg.Key != "":
		return ubuf.ParseKey(cfg.Key)
	case cfg.KeyFile != "":
		return ubuf.LoadKeyFile(cfg.KeyFile)
	}
	if s := os.Getenv("UBUF_KEY"); s != "" {
		return ubuf.ParseKey(s)
	}
	return ubuf.Key{}, errors.New("no session key: use -k, -K or UBUF_KEY")
}

func (cfg *config) timeout() time.Duration {
	return time.Duration(cfg.HandshakeTimeout) * time.Second
}

func (cfg *config) sessionOptions() []ubuf.SessionOption {
	opts := []ubuf.SessionOption{
		ubuf.BlockSizeOption(cfg.BlockSize),
		ubuf.CompressOption(cfg.Compress),
		ubuf.HandshakeTimeoutOption(cfg.timeout()),
	}
	if cfg.Transport == "kcp" || cfg.Transport == "" {
		linger := ubuf.DefaultKCPConfig.Linger
		if cfg.KCP != nil {
			linger = cfg.KCP.Linger
		}
		opts = append(opts, ubuf.LingerOption(time.Duration(linger)*time.Second))
	}
	return opts
}

// kcpConfig returns the KCP config. Without an explicit packet key one is
// derived from the session key, so peers sharing a session key also share it.
func (cfg *config) kcpConfig(key ubuf.Key) *ubuf.KCPConfig {
	kcpConfig := defaultKCPConfig()
	if cfg.KCP != nil {
		*kcpConfig = *cfg.KCP
	}
	if kcpConfig.Key == "" {
		kcpConfig.Key = key.PacketKey()
	}
	return kcpConfig
}

func (cfg *config) wsOptions() *ubuf.WSOptions {
	opts := &ubuf.WSOptions{}
	if cfg.WS != nil {
		opts.Path = cfg.WS.Path
		opts.EnableCompression = cfg.WS.Compression
		opts.ReadBufferSize = cfg.WS.ReadBuffer
		opts.WriteBufferSize = cfg.WS.WriteBuffer
	}
	return opts
}

func (cfg *config) transporter(key ubuf.Key) (ubuf.Transporter, error) {
	switch cfg.Transport {
	case "kcp", "":
		return ubuf.KCPTransporter(cfg.kcpConfig(key)), nil
	case "tcp":
		return ubuf.TCPTransporter(), nil
	case "ws":
		return ubuf.WSTransporter(cfg.wsOptions()), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func (cfg *config) listener(key ubuf.Key) (ubuf.Listener, error) {
	switch cfg.Transport {
	case "kcp", "":
		return ubuf.KCPListener(cfg.Recv, cfg.kcpConfig(key))
	case "tcp":
		return ubuf.TCPListener(cfg.Recv)
	case "ws":
		return ubuf.WSListener(cfg.Recv, cfg.wsOptions())
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func parseKCPConfig(configFile string) (*ubuf.KCPConfig, error) {
	if configFile == "" {
		return nil, nil
	}
	file, err := os.Open(configFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := defaultKCPConfig()
	if err = json.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}
	return config, nil
}
