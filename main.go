package main

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/google/gops/agent"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/komete4/rocketchat-irc-gateway/bridge"
	"github.com/komete4/rocketchat-irc-gateway/config"
	"github.com/komete4/rocketchat-irc-gateway/ddp"
	"github.com/komete4/rocketchat-irc-gateway/irckit"
	"github.com/komete4/rocketchat-irc-gateway/rocket"
)

var (
	version = "0.1.0"
	logger  *logrus.Entry
)

func main() {
	flagConfig := flag.String("conf", "rocketirc.toml", "config file")
	flagDebug := flag.Bool("debug", false, "enable debug logging")
	flagTrace := flag.Bool("trace", false, "enable trace logging")
	flagVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *flagVersion {
		fmt.Printf("version: %s\n", version)
		return
	}

	logger = logrus.NewEntry(logrus.New())
	logger.Logger.Formatter = &prefixed.TextFormatter{
		PrefixPadding: 13,
		DisableColors: true,
		FullTimestamp: true,
	}

	if *flagDebug {
		logger.Info("enabling debug")
		logger.Logger.SetLevel(logrus.DebugLevel)
	}
	if *flagTrace {
		logger.Info("enabling trace")
		logger.Logger.SetLevel(logrus.TraceLevel)
	}

	config.Logger = logger
	rocket.SetLogger(logger)
	ddp.SetLogger(logger)
	irckit.SetLogger(logger)

	if err := agent.Listen(agent.Options{}); err != nil {
		logger.Errorf("failed to start gops agent: %s", err)
	}

	v, err := config.LoadConfig(*flagConfig)
	if err != nil {
		logger.Fatalf("config: %s", err)
	}

	socket := listen(v)
	defer socket.Close()

	logger.Infof("listening on %s", socket.Addr())
	start(socket, v)
}

func listen(v *viper.Viper) net.Listener {
	if certfile, keyfile := v.GetString("tlscert"), v.GetString("tlskey"); certfile != "" && keyfile != "" {
		kpr, err := NewKeypairReloader(certfile, keyfile)
		if err != nil {
			logger.Fatalf("failed to load TLS keypair: %s", err)
		}
		cfg := &tls.Config{GetCertificate: kpr.GetCertificateFunc()}
		socket, err := tls.Listen("tcp", v.GetString("bind"), cfg)
		if err != nil {
			logger.Fatalf("failed to listen on socket: %s", err)
		}
		return socket
	}

	socket, err := net.Listen("tcp", v.GetString("bind"))
	if err != nil {
		logger.Fatalf("failed to listen on socket: %s", err)
	}
	return socket
}

// start accepts IRC clients one at a time: a single source session
// drives a single sink session, so a new client waits for the previous
// bridge to end.
func start(socket net.Listener, v *viper.Viper) {
	for {
		conn, err := socket.Accept()
		if err != nil {
			logger.Errorf("failed to accept connection: %s", err)
			return
		}

		logger.Infof("new connection: %s", conn.RemoteAddr())
		serve(conn, v)
	}
}

func serve(conn net.Conn, v *viper.Viper) {
	defer conn.Close()

	sink := irckit.NewConn(conn, "rocketchat-irc")
	if err := sink.Register(); err != nil {
		logger.Errorf("registration failed: %s", err)
		return
	}

	cred := bridge.Credentials{
		Login: v.GetString("login"),
		Pass:  v.GetString("password"),
	}
	tr := ddp.New(v.GetString("host"), v.GetInt("port"), v.GetBool("tls"))

	session := rocket.NewSession(v, tr, sink, cred)
	if err := session.Connect(); err != nil {
		logger.Errorf("failed to bridge: %s", err)
		return
	}
	defer session.Disconnect()

	err := sink.Run(func(target, text string) {
		room, ok := session.State().RoomFromChannel(target)
		if !ok {
			sink.NoSuchChannel(target) //nolint:errcheck
			return
		}
		session.SendMessage(room, text)
	})
	if err != nil {
		logger.Debugf("client gone: %s", err)
	}

	logger.Infof("connection closed: %s", conn.RemoteAddr())
}
