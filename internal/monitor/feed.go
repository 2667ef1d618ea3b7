package monitor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/gozmq"
	"go.uber.org/zap"
)

const (
	rawBlockZMQCommand = "rawblock"
	rawTxZMQCommand    = "rawtx"

	// bitcoind frames carry the command, the payload and a 4 byte sequence.
	seqNumLen       = 4
	maxRawBlockSize = 4e6
	maxRawTxSize    = maxRawBlockSize
)

// Feed delivers new blocks and mempool transactions.
type Feed interface {
	Blocks() <-chan *wire.MsgBlock
	Transactions() <-chan *wire.MsgTx
	Stop() error
}

// ZMQConfig holds the bitcoind rawblock and rawtx endpoints.
type ZMQConfig struct {
	BlockHost    string
	TxHost       string
	ReadDeadline time.Duration
}

// frameReader is the receiving half of a zmq subscription.
type frameReader interface {
	Receive(bufs [][]byte) ([][]byte, error)
}

// ZMQFeed reads raw blocks and transactions from two bitcoind ZMQ
// subscriptions so a burst of one kind cannot starve the other.
type ZMQFeed struct {
	blockConn *gozmq.Conn
	txConn    *gozmq.Conn

	blocks chan *wire.MsgBlock
	txs    chan *wire.MsgTx

	wg   sync.WaitGroup
	quit chan struct{}
}

var _ Feed = (*ZMQFeed)(nil)

// NewZMQFeed subscribes to both endpoints and starts reading.
func NewZMQFeed(cfg ZMQConfig) (*ZMQFeed, error) {
	if cfg.BlockHost == "" || cfg.TxHost == "" {
		return nil, fmt.Errorf("zmq block and tx hosts are required")
	}
	if cfg.ReadDeadline <= 0 {
		cfg.ReadDeadline = 5 * time.Second
	}

	blockConn, err := gozmq.Subscribe(cfg.BlockHost, []string{rawBlockZMQCommand}, cfg.ReadDeadline)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe for zmq block events: %w", err)
	}
	txConn, err := gozmq.Subscribe(cfg.TxHost, []string{rawTxZMQCommand}, cfg.ReadDeadline)
	if err != nil {
		if err := blockConn.Close(); err != nil {
			zap.L().Error("Could not close zmq block connection", zap.Error(err))
		}
		return nil, fmt.Errorf("unable to subscribe for zmq tx events: %w", err)
	}

	f := &ZMQFeed{
		blockConn: blockConn,
		txConn:    txConn,
		blocks:    make(chan *wire.MsgBlock),
		txs:       make(chan *wire.MsgTx),
		quit:      make(chan struct{}),
	}

	f.wg.Add(2)
	go f.receive(blockConn, rawBlockZMQCommand, maxRawBlockSize, f.deliverBlock)
	go f.receive(txConn, rawTxZMQCommand, maxRawTxSize, f.deliverTx)

	zap.L().Info("Subscribed to bitcoind zmq",
		zap.String("block_host", cfg.BlockHost),
		zap.String("tx_host", cfg.TxHost))
	return f, nil
}

func (f *ZMQFeed) Blocks() <-chan *wire.MsgBlock { return f.blocks }

func (f *ZMQFeed) Transactions() <-chan *wire.MsgTx { return f.txs }

// Stop signals the readers, closes both connections and waits for the
// readers to exit.
func (f *ZMQFeed) Stop() error {
	close(f.quit)

	var returnErr error
	if err := f.txConn.Close(); err != nil {
		returnErr = err
	}
	if err := f.blockConn.Close(); err != nil {
		returnErr = err
	}
	f.wg.Wait()
	return returnErr
}

// receive reads frames of one command until the connection closes. The data
// buffer is reused across reads.
func (f *ZMQFeed) receive(conn frameReader, command string, maxSize int, deliver func([]byte) bool) {
	defer f.wg.Done()

	var (
		cmd    = make([]byte, len(command))
		seqNum [seqNumLen]byte
		data   = make([]byte, maxSize)
	)

	for {
		select {
		case <-f.quit:
			return
		default:
		}

		bufs, err := conn.Receive([][]byte{cmd, data, seqNum[:]})
		if err != nil {
			select {
			case <-f.quit:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				zap.L().Info("Zmq connection closed", zap.String("command", command))
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			zap.L().Error("Unable to receive zmq message", zap.String("command", command), zap.Error(err))
			continue
		}

		eventType := string(bufs[0])
		if eventType != command {
			// a partially read frame during shutdown has a garbled command
			if eventType != "" && isASCII(eventType) {
				zap.L().Warn("Unexpected zmq event type",
					zap.String("subscription", command),
					zap.String("event", eventType))
			}
			continue
		}
		if !deliver(bufs[1]) {
			return
		}
	}
}

func (f *ZMQFeed) deliverBlock(raw []byte) bool {
	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		zap.L().Error("Unable to deserialize block", zap.Error(err))
		return true
	}
	select {
	case f.blocks <- block:
		return true
	case <-f.quit:
		return false
	}
}

func (f *ZMQFeed) deliverTx(raw []byte) bool {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		zap.L().Error("Unable to deserialize transaction", zap.Error(err))
		return true
	}
	select {
	case f.txs <- tx:
		return true
	case <-f.quit:
		return false
	}
}

func isASCII(s string) bool {
	for _, c := range s {
		if c < 32 || c > 126 {
			return false
		}
	}
	return true
}
