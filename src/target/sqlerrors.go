package target

import (
	"database/sql"
	"database/sql/driver"
	"net"

	"github.com/go-faster/errors"
	"github.com/go-sql-driver/mysql"
)

// client error numbers of a dropped or unreachable server
var connectivityErrnos = map[uint16]struct{}{
	2002: {}, // CR_CONNECTION_ERROR
	2003: {}, // CR_CONN_HOST_ERROR
	2006: {}, // CR_SERVER_GONE_ERROR
	2013: {}, // CR_SERVER_LOST
}

// classify turns driver errors that mean a lost connection into a
// ConnectivityError and passes everything else through.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrConnectivity) {
		return err
	}
	if isConnectivity(err) {
		return &ConnectivityError{Err: err}
	}
	return err
}

func isConnectivity(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		_, ok := connectivityErrnos[myErr.Number]
		return ok
	}
	return false
}
