package app

import (
	"go.uber.org/zap"

	"github.com/Blackdeer1524/walapply/src"
	"github.com/Blackdeer1524/walapply/src/cfg"
)

func newLogger(env cfg.Environment) (src.Logger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if env == cfg.EnvProd {
		l, err = zap.NewProduction()
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
