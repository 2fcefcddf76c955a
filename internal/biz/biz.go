package biz

import (
	"github.com/exastris/exastris/internal/biz/usecase"
)

// Usecases contains all usecases
type Usecases struct {
	Router   *usecase.Router
	Fanout   *usecase.FanoutEngine
	Identity *usecase.IdentityUsecase
}
