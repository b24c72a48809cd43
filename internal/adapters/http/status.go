package http

import (
	"net/http"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/gin-gonic/gin"
)

type mediaHealth struct {
	Worker     string `json:"worker"`
	Router     string `json:"router"`
	Transports int    `json:"transports"`
	Producers  int    `json:"producers"`
	Consumers  int    `json:"consumers"`
	Relays     int    `json:"relays"`
}

type crmHealth struct {
	BaseURL string `json:"baseUrl"`
}

type healthResponse struct {
	Status   string          `json:"status"`
	Media    mediaHealth     `json:"media"`
	CRM      crmHealth       `json:"crm"`
	Sessions int             `json:"sessions"`
	Rooms    []core.RoomInfo `json:"rooms"`
}

func connected(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}

func healthHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := deps.Orch.Status()
		alive := deps.Engine != nil && deps.Engine.Alive()
		relays := 0
		if deps.Engine != nil {
			relays = deps.Engine.ActiveRelays()
		}

		resp := healthResponse{
			Status: "OK",
			Media: mediaHealth{
				Worker:     connected(alive),
				Router:     connected(alive && deps.Orch.Router != nil),
				Transports: st.Transports,
				Producers:  st.Producers,
				Consumers:  st.Consumers,
				Relays:     relays,
			},
			CRM:      crmHealth{BaseURL: deps.CRMBaseURL},
			Sessions: st.Sessions,
			Rooms:    st.Rooms,
		}
		code := http.StatusOK
		if !alive {
			resp.Status = "DEGRADED"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, resp)
	}
}
