package healthcheck

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestMySQL(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent), DisableAutomaticPing: true})
	require.NoError(t, err)

	check := MySQL(db)

	mock.ExpectPing()
	assert.NoError(t, check(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	err = check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql ping")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	check := Redis(rdb)
	assert.NoError(t, check(context.Background()))

	mr.SetError("LOADING")
	assert.Error(t, check(context.Background()))
}

func TestKafka(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	// Первый брокер недоступен, второй принимает соединение.
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := closed.Addr().String()
	require.NoError(t, closed.Close())

	assert.NoError(t, Kafka([]string{deadAddr, ln.Addr().String()})(context.Background()))
	assert.Error(t, Kafka([]string{deadAddr})(context.Background()))
}

func TestComposite(t *testing.T) {
	var calls []string
	ok := func(name string) Check {
		return func(context.Context) error { calls = append(calls, name); return nil }
	}
	fail := func(context.Context) error { calls = append(calls, "redis"); return errors.New("redis down") }

	err := Composite(ok("mysql"), fail, ok("kafka"))(context.Background())

	assert.EqualError(t, err, "redis down")
	assert.Equal(t, []string{"mysql", "redis"}, calls, "после первой ошибки проверки не продолжаются")
	assert.NoError(t, Composite()(context.Background()))
}
