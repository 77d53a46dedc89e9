// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program endpoint is a command-line utility for running and calling
// endpoint services.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/endpoint"
	"github.com/creachadair/endpoint/client"
	"github.com/creachadair/endpoint/codec"
	"github.com/creachadair/endpoint/packet"
	"github.com/creachadair/endpoint/session"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
)

var serveFlags struct {
	Addr    string `flag:"addr,default=localhost:7777,Address to listen on"`
	JSON    bool   `flag:"json,Use the JSON-RPC codec"`
	WS      bool   `flag:"ws,Accept websockets over HTTP instead of TCP"`
	Verbose bool   `flag:"v,Log messages sent and received"`
}

var callFlags struct {
	Addr    string        `flag:"addr,default=localhost:7777,Address of the service"`
	JSON    bool          `flag:"json,Use the JSON-RPC codec"`
	WS      bool          `flag:"ws,Dial a websocket instead of TCP"`
	Timeout time.Duration `flag:"timeout,default=5s,Timeout for the call"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for running and calling endpoint services.",
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[flags]",
				Help: `Run an echo service.

The service replies to each "echo" call with its parameters, and to each
"time" call with the current time. Stop the service with an interrupt.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &serveFlags) },
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "[flags] <method> [<data>]",
				Help: `Call a method of a running service and print the reply.

With -json, data is parsed as a JSON value for the params of the call.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &callFlags) },
				Run:      runCall,
			},
			{
				Name:  "pack",
				Usage: "<pattern> <argument>...",
				Help: `Pack arguments into a binary message.

The pattern specifies the sequence of values to concatenate into the message.
Whitespace in the pattern is ignored; otherwise the pattern specifies how the
corresponding argument is processed:

  p  : a Pascal style string with a 1-byte length prefix
  q  : a quoted literal string (Go style) without framing
  r  : a raw literal string encoded without framing
  s  : a string encoded with a vint30 length prefix
  %  : a Boolean constant (true or false)
  v  : a vint30 value (unsigned)
  1  : a uint8 value (1 byte)
  2  : a uint16 value (2 bytes)
  4  : a uint32 value (4 bytes)
  8  : a uint64 value (8 bytes)

By default, fixed-width integer values are packed in big-endian order, but the
following symbols modify the byte order for future values:

  <  : encode as little-endian
  >  : encode as big-endian (this is the default)

A "(" begins a subpattern, which goes until a matching ")". Each subpattern is
encoded according to its contents, with a vint30 length prefix prepended.
Subpatterns may be nested.

The output of pack can be sent as the data of a frame call, for example:

  endpoint call echo "$(endpoint pack 'sv' hello 25)"
`,
				Run: func(env *command.Env) error {
					if len(env.Args) == 0 {
						return env.Usagef("Missing format argument")
					}
					var b packet.Builder
					rest, err := formatData(&b, env.Args[0], env.Args[1:])
					if err != nil {
						return err
					} else if len(rest) != 0 {
						return fmt.Errorf("extra arguments: %q", rest)
					}
					os.Stdout.Write(b.Bytes())
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func newCodec(useJSON bool) endpoint.Codec {
	if useJSON {
		return codec.JSON{}
	}
	return codec.Frame{}
}

func runServe(env *command.Env) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	newConn := func() *endpoint.Conn {
		c := endpoint.NewConn(newCodec(serveFlags.JSON))
		if serveFlags.JSON {
			c.OnRecv(codec.JSON{}.Responder(codec.JSONMux{
				"echo": func(_ context.Context, req *codec.JSONRequest) (any, error) { return req.Params, nil },
				"time": func(context.Context, *codec.JSONRequest) (any, error) { return time.Now(), nil },
			}.Serve))
		} else {
			c.OnRecv(codec.Frame{}.Responder(codec.Mux{
				"echo": func(_ context.Context, req *codec.Request) ([]byte, error) { return req.Data, nil },
				"time": func(context.Context, *codec.Request) ([]byte, error) {
					return time.Now().AppendFormat(nil, time.RFC3339Nano), nil
				},
			}.Serve))
		}
		c.OnStart(func(ctx context.Context, err error) {
			log.InfoContext(ctx, "connection started", "error", err)
		}).OnStop(func(ctx context.Context, err error) {
			log.InfoContext(ctx, "connection stopped", "error", err)
		})
		if serveFlags.Verbose {
			c.LogMessages(func(m endpoint.MessageInfo) { log.Info("message", "info", m.String()) })
		}
		return c
	}

	if !serveFlags.WS {
		lst, err := net.Listen("tcp", serveFlags.Addr)
		if err != nil {
			return err
		}
		log.Info("serving", "addr", lst.Addr().String(), "json", serveFlags.JSON)
		return session.Loop(ctx, session.NetAccepter(lst), newConn)
	}

	lst, err := net.Listen("tcp", serveFlags.Addr)
	if err != nil {
		return err
	}
	acc := session.NewWebSocketAccepter(nil)
	srv := &http.Server{Handler: acc}
	g := taskgroup.New(nil)
	g.Go(func() error {
		if err := srv.Serve(lst); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	log.Info("serving websockets", "addr", lst.Addr().String(), "json", serveFlags.JSON)
	lerr := session.Loop(ctx, acc, newConn)
	acc.Close()
	srv.Shutdown(context.Background())
	return errors.Join(lerr, g.Wait())
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing method name")
	} else if len(env.Args) > 2 {
		return env.Usagef("extra arguments after data: %q", env.Args[2:])
	}
	method, data := env.Args[0], ""
	if len(env.Args) == 2 {
		data = env.Args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var dial client.Dialer
	if callFlags.WS {
		url := callFlags.Addr
		if !strings.Contains(url, "://") {
			url = "ws://" + url
		}
		dial = client.WebSocket(url, nil)
	} else {
		dial = client.TCP(callFlags.Addr)
	}
	ch, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn := endpoint.NewConn(newCodec(callFlags.JSON))
	if err := conn.Start(ctx, ch); err != nil {
		ch.Close()
		return err
	}
	defer conn.Stop(context.Background())

	var req any
	if callFlags.JSON {
		call := codec.Call{Method: method}
		if data != "" {
			call.Params = json.RawMessage(data)
		}
		req = call
	} else {
		req = &codec.Request{Method: method, Data: []byte(data)}
	}
	rsp, err := conn.Timeout(callFlags.Timeout).Call(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(string(rsp))
	return nil
}

// formatData appends to b the encoding of args according to pat, and returns
// the arguments not consumed by pat.
func formatData(b *packet.Builder, pat string, args []string) ([]string, error) {
	var byteOrder binary.AppendByteOrder = binary.BigEndian
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case 'p', 'q', 'r', 's', '%', 'v', '1', '2', '4', '8':
			// OK, these need an argument (see below)
		case ' ', '\t', '\n':
			continue
		case '<':
			byteOrder = binary.LittleEndian
			continue
		case '>':
			byteOrder = binary.BigEndian
			continue
		case '(':
			sub, ok := cutParen(pat[i+1:], '(', ')')
			if !ok {
				return nil, errors.New("missing close parenthesis")
			}
			var sb packet.Builder
			sa, err := formatData(&sb, sub, args)
			if err != nil {
				return nil, fmt.Errorf("invalid subpattern: %w", err)
			}
			b.VPut(sb.Bytes())
			args = sa
			i += len(sub) + 1
			continue
		default:
			return nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, fmt.Errorf("missing argument for %c", c)
		}
		switch c {
		case 'p':
			if len(args[0]) > 255 {
				return nil, fmt.Errorf("length %d > 255 too long for p", len(args[0]))
			}
			b.Put(byte(len(args[0])))
			b.Put([]byte(args[0])...)
		case 'q':
			dec, err := strconv.Unquote(`"` + args[0] + `"`)
			if err != nil {
				return nil, fmt.Errorf("invalid string: %w", err)
			}
			b.Put([]byte(dec)...)
		case 'r':
			b.Put([]byte(args[0])...)
		case 's':
			b.VPutString(args[0])
		case '%':
			v, err := strconv.ParseBool(args[0])
			if err != nil {
				return nil, fmt.Errorf("invalid bool: %w", err)
			}
			b.Bool(v)
		case 'v':
			v, err := strconv.ParseUint(args[0], 10, 30)
			if err != nil {
				return nil, fmt.Errorf("invalid vint30: %w", err)
			}
			b.Vint30(uint32(v))
		case '1':
			v, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid byte: %w", err)
			}
			b.Put(byte(v))
		case '2':
			v, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid uint16: %w", err)
			}
			b.Put(byteOrder.AppendUint16(nil, uint16(v))...)
		case '4':
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid uint32: %w", err)
			}
			b.Put(byteOrder.AppendUint32(nil, uint32(v))...)
		case '8':
			v, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid uint64: %w", err)
			}
			b.Put(byteOrder.AppendUint64(nil, v)...)
		default:
			panic("invalid code: " + string(c))
		}
		args = args[1:]
	}
	return args, nil
}

func cutParen(s string, l, r rune) (string, bool) {
	d := 1
	for i, c := range s {
		if c == l {
			d++
		} else if c == r {
			d--
			if d == 0 {
				return s[:i], true
			}
		}
	}
	return s, false
}
