package restapi

import (
	"net/http"

	"ridehail/internal/shared/jwt"
	"ridehail/internal/shared/middleware"
)

// Router wires every REST endpoint in §4.9/§6 onto the Go 1.22
// path-pattern ServeMux, the same routing style the teacher's
// per-service handlers use (init.go).
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()

	// auth bootstrap
	mux.HandleFunc("POST /auth/request-driver-otp", h.RequestDriverOTP)
	mux.HandleFunc("POST /auth/get-complete-driver-info", h.GetCompleteDriverInfo)

	// drivers
	mux.HandleFunc("GET /drivers/{driverId}", h.authMiddleware(h.GetDriver))
	mux.HandleFunc("PATCH /drivers/{driverId}/status", h.requireSubject(jwt.SubjectDriver, h.UpdateDriverStatus))
	mux.HandleFunc("POST /drivers/fcm-token", h.requireSubject(jwt.SubjectDriver, h.UpdateFCMToken))

	mux.HandleFunc("POST /drivers/working-hours/start", h.requireSubject(jwt.SubjectDriver, h.WorkingHoursStart))
	mux.HandleFunc("POST /drivers/working-hours/stop", h.requireSubject(jwt.SubjectDriver, h.WorkingHoursStop))
	mux.HandleFunc("POST /drivers/working-hours/pause", h.requireSubject(jwt.SubjectDriver, h.WorkingHoursPause))
	mux.HandleFunc("POST /drivers/working-hours/resume", h.requireSubject(jwt.SubjectDriver, h.WorkingHoursResume))
	mux.HandleFunc("POST /drivers/working-hours/extend", h.requireSubject(jwt.SubjectDriver, h.WorkingHoursExtend))
	mux.HandleFunc("POST /drivers/working-hours/add-half-time", h.requireSubject(jwt.SubjectDriver, h.WorkingHoursAddHalfTime))
	mux.HandleFunc("POST /drivers/working-hours/add-full-time", h.requireSubject(jwt.SubjectDriver, h.WorkingHoursAddFullTime))
	mux.HandleFunc("GET /drivers/working-hours/status/{driverId}", h.authMiddleware(h.WorkingHoursStatus))

	// rides
	mux.HandleFunc("POST /rides/book-ride-enhanced", h.requireSubject(jwt.SubjectPassenger, h.BookRideEnhanced))
	mux.HandleFunc("GET /rides/{rideId}", h.authMiddleware(h.GetRide))
	mux.HandleFunc("POST /rides/arrived", h.requireSubject(jwt.SubjectDriver, h.RideArrived))
	mux.HandleFunc("POST /rides/start", h.authMiddleware(h.RideStart))
	mux.HandleFunc("POST /rides/simple-complete", h.requireSubject(jwt.SubjectDriver, h.RideSimpleComplete))
	mux.HandleFunc("POST /rides/cancel", h.authMiddleware(h.RideCancel))

	// admin
	mux.HandleFunc("GET /admin/ride-prices", h.authMiddleware(h.GetRidePrices))
	mux.HandleFunc("POST /admin/ride-prices", h.requireSubject(jwt.SubjectAdmin, h.SetRidePrice))
	mux.HandleFunc("POST /admin/direct-wallet/{driverId}", h.requireSubject(jwt.SubjectAdmin, h.DirectWallet))

	// passenger wallet
	mux.HandleFunc("GET /wallet/balance", h.requireSubject(jwt.SubjectPassenger, h.WalletBalance))
	mux.HandleFunc("POST /wallet/add-money", h.requireSubject(jwt.SubjectPassenger, h.WalletAddMoney))
	mux.HandleFunc("POST /wallet/payment", h.requireSubject(jwt.SubjectPassenger, h.WalletPayment))
	mux.HandleFunc("POST /wallet/withdraw", h.requireSubject(jwt.SubjectPassenger, h.WalletWithdraw))
	mux.HandleFunc("POST /wallet/credit-ride", h.requireSubject(jwt.SubjectAdmin, h.WalletCreditRide))

	var root http.Handler = mux
	root = middleware.RequestID(root)
	wrapped := http.NewServeMux()
	wrapped.Handle("/", root)
	return wrapped
}
