package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/config"
)

const maxDialRetries = 5

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
	confirms    chan amqp.Confirmation
}

// newConnection dials the broker with exponential backoff. A malformed URL is
// not retried.
func newConnection(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (amqpConnection, error) {
	if _, err := amqp.ParseURI(settings.URL); err != nil {
		return nil, fmt.Errorf("invalid RabbitMQ url: %w", err)
	}

	var conn amqpConnection
	dial := func() error {
		c, err := dialAMQP(settings.URL)
		if err != nil {
			logger.Warn("RabbitMQ dial failed", zap.Error(err))
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxDialRetries), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, err
	}

	// Set up a channel to handle connection close notifications
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			logger.Warn("RabbitMQ connection closed", zap.Error(err))
		}
	}()

	return conn, nil
}

// newPooledChannel opens a channel in publisher confirm mode.
func newPooledChannel(conn amqpConnection) (*pooledChannel, error) {
	if conn == nil {
		return nil, errors.New("no RabbitMQ connection")
	}
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &pooledChannel{
		channel:     channel,
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		confirms:    channel.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (r *rabbitMqBroker) connectAndInitialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrBusClosed
	}

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	// Establish a new connection
	connection, err := newConnection(ctx, r.settings, r.logger)
	if err != nil {
		return err
	}
	r.connection = connection

	// Declare the exchange and dead-letter topology
	channel, err := connection.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()
	if err := r.declareTopology(channel); err != nil {
		return err
	}

	// Clear the existing channel pool
	close(r.channelPool)
	for stale := range r.channelPool {
		stale.channel.Close()
	}
	r.channelPool = make(chan *pooledChannel, r.settings.PoolSize)

	// Reinitialize the channel pool
	for i := 0; i < r.settings.PoolSize; i++ {
		pooledChan, err := newPooledChannel(connection)
		if err != nil {
			return err
		}
		r.channelPool <- pooledChan
	}

	r.logger.Info("RabbitMQ connection, exchange, and channel pool initialized",
		zap.String("exchange", r.exchange()),
		zap.Int("pool_size", r.settings.PoolSize))
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			conn := r.currentConnection()
			if conn == nil || conn.IsClosed() {
				r.logger.Info("Attempting to reconnect to RabbitMQ")
				if err := r.connectAndInitialize(context.Background()); err != nil {
					r.logger.Error("Failed to reconnect to RabbitMQ", zap.Error(err))
				} else {
					r.logger.Info("Reconnected to RabbitMQ successfully")
					r.resubscribe()
				}
			}
		case <-r.stopReconnect:
			r.logger.Debug("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) currentConnection() amqpConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connection
}

func (r *rabbitMqBroker) pool() (chan *pooledChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrBusClosed
	}
	return r.channelPool, nil
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	pool, err := r.pool()
	if err != nil {
		return nil, err
	}
	for {
		select {
		case pooledChan, ok := <-pool:
			if !ok {
				// pool was swapped by a reconnect
				return newPooledChannel(r.currentConnection())
			}
			select {
			case err := <-pooledChan.notifyClose:
				// Channel is closed, discard it
				r.logger.Debug("Discarding closed channel", zap.Error(err))
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			r.logger.Debug("Creating new channel")
			return newPooledChannel(r.currentConnection())
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		// Channel is closed, discard it
		r.logger.Debug("Discarding closed channel", zap.Error(err))
		return
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		pooledChan.channel.Close()
		return
	}
	// Channel is valid, return it to the pool
	select {
	case r.channelPool <- pooledChan:
	default:
		// Pool is full, close the channel
		r.logger.Debug("Closing channel as pool is full")
		pooledChan.channel.Close()
	}
}

func (r *rabbitMqBroker) discardChannel(pooledChan *pooledChannel) {
	if err := pooledChan.channel.Close(); err != nil {
		r.logger.Debug("Closing discarded channel", zap.Error(err))
	}
}
