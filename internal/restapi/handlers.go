package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ridehail/internal/dispatch"
	"ridehail/internal/domain"
	"ridehail/internal/rideengine"
	"ridehail/internal/shared/apperrors"
	"ridehail/internal/shared/jwt"
	"ridehail/internal/shared/util"
	"ridehail/internal/shared/validation"
	"ridehail/internal/store"
	"ridehail/internal/wallet"
	"ridehail/internal/workinghours"

	"ridehail/internal/pricing"
)

// Handler holds the domain components the REST surface calls into.
// It never mutates domain state itself, it only decodes/validates the
// request and delegates (§4.9: the REST surface and realtime gateway
// are two entry points into the same engines).
type Handler struct {
	drivers      store.DriverStore
	rides        store.RideStore
	passengers   store.PassengerStore
	pricingCache *pricing.Cache
	ledger       *wallet.Ledger
	workingHours *workinghours.Service
	dispatch     *dispatch.Engine
	rideEngine   *rideengine.Engine
	issuer       *jwt.Issuer
	otp          *otpBootstrap
	log          *util.Logger
}

func NewHandler(drivers store.DriverStore, rides store.RideStore, passengers store.PassengerStore,
	pc *pricing.Cache, ledger *wallet.Ledger, wh *workinghours.Service,
	disp *dispatch.Engine, ride *rideengine.Engine, issuer *jwt.Issuer, log *util.Logger) *Handler {
	return &Handler{
		drivers: drivers, rides: rides, passengers: passengers,
		pricingCache: pc, ledger: ledger, workingHours: wh,
		dispatch: disp, rideEngine: ride, issuer: issuer,
		otp: newOTPBootstrap(), log: log,
	}
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ---- auth bootstrap ----

func (h *Handler) RequestDriverOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := decode(r, &req); err != nil || req.Phone == "" {
		util.WriteJSONError(w, "phone is required", http.StatusBadRequest)
		return
	}

	if _, err := h.drivers.GetDriverByPhone(r.Context(), req.Phone); err != nil {
		util.WriteJSONError(w, "no driver registered with this phone", http.StatusNotFound)
		return
	}

	code := h.otp.issue(req.Phone)
	h.log.Info("restapi.RequestDriverOTP", fmt.Sprintf("otp issued for phone=%s (delivery is out of scope, logging only)", req.Phone))

	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "otp sent",
		// devOTP is only present because there is no SMS provider wired
		// up (§9); a real deployment strips this field entirely.
		"devOTP": code,
	})
}

func (h *Handler) GetCompleteDriverInfo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
		OTP   string `json:"otp"`
	}
	if err := decode(r, &req); err != nil {
		util.WriteJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if !h.otp.verify(req.Phone, req.OTP) {
		util.WriteJSONError(w, "invalid or expired otp", http.StatusUnauthorized)
		return
	}

	driver, err := h.drivers.GetDriverByPhone(r.Context(), req.Phone)
	if err != nil {
		util.WriteJSONError(w, "driver not found", http.StatusNotFound)
		return
	}

	token, err := h.issuer.Issue(jwt.SubjectDriver, driver.DriverID)
	if err != nil {
		util.WriteJSONError(w, "failed to issue session token", http.StatusInternalServerError)
		return
	}

	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"token":   token,
		"driver":  driver,
	})
}

// ---- drivers ----

func (h *Handler) GetDriver(w http.ResponseWriter, r *http.Request) {
	driver, err := h.drivers.GetDriver(r.Context(), r.PathValue("driverId"))
	if err != nil {
		util.ErrResponseInJson(w, translateStoreErr(err, apperrors.ErrDriverNotFound))
		return
	}
	util.ResponseInJson(w, http.StatusOK, driver)
}

func (h *Handler) UpdateDriverStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		util.WriteJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	driverID := r.PathValue("driverId")
	if err := h.drivers.UpdateDriverStatus(r.Context(), driverID, domain.DriverStatus(req.Status)); err != nil {
		util.ErrResponseInJson(w, translateStoreErr(err, apperrors.ErrDriverNotFound))
		return
	}
	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) UpdateFCMToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		util.WriteJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	p := principalFrom(r)
	if err := h.drivers.UpdateDriverPushToken(r.Context(), p.id, req.Token); err != nil {
		util.ErrResponseInJson(w, translateStoreErr(err, apperrors.ErrDriverNotFound))
		return
	}
	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ---- working hours ----

func (h *Handler) WorkingHoursStart(w http.ResponseWriter, r *http.Request) {
	res, err := h.workingHours.Start(r.Context(), principalFrom(r).id)
	if err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, res)
}

func (h *Handler) WorkingHoursStop(w http.ResponseWriter, r *http.Request) {
	if err := h.workingHours.Stop(r.Context(), principalFrom(r).id); err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) WorkingHoursPause(w http.ResponseWriter, r *http.Request) {
	if err := h.workingHours.Pause(r.Context(), principalFrom(r).id); err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) WorkingHoursResume(w http.ResponseWriter, r *http.Request) {
	res, err := h.workingHours.Resume(r.Context(), principalFrom(r).id)
	if err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, res)
}

func (h *Handler) WorkingHoursExtend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdditionalHours int `json:"additionalHours"`
	}
	if err := decode(r, &req); err != nil || req.AdditionalHours <= 0 {
		util.WriteJSONError(w, "additionalHours must be a positive integer", http.StatusBadRequest)
		return
	}
	if err := h.workingHours.Extend(r.Context(), principalFrom(r).id, req.AdditionalHours); err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) WorkingHoursAddHalfTime(w http.ResponseWriter, r *http.Request) {
	if err := h.workingHours.AddHalfTime(r.Context(), principalFrom(r).id); err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) WorkingHoursAddFullTime(w http.ResponseWriter, r *http.Request) {
	if err := h.workingHours.AddFullTime(r.Context(), principalFrom(r).id); err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) WorkingHoursStatus(w http.ResponseWriter, r *http.Request) {
	d, err := h.workingHours.Snapshot(r.Context(), r.PathValue("driverId"))
	if err != nil {
		util.ErrResponseInJson(w, translateStoreErr(err, apperrors.ErrDriverNotFound))
		return
	}
	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{
		"remainingWorkingSeconds": d.RemainingWorkingSeconds,
		"timerActive":             d.TimerActive,
		"warningsIssued":          d.WarningsIssued,
		"extendedHoursPurchased":  d.ExtendedHoursPurchased,
		"status":                  d.Status,
	})
}

// ---- rides ----

func (h *Handler) BookRideEnhanced(w http.ResponseWriter, r *http.Request) {
	var in dispatch.BookRideInput
	if err := decode(r, &in); err != nil {
		util.WriteJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	in.UserRef = principalFrom(r).id

	res, err := h.dispatch.BookRide(r.Context(), in)
	if err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusCreated, res)
}

func (h *Handler) GetRide(w http.ResponseWriter, r *http.Request) {
	raidID := r.PathValue("rideId")
	if err := validation.ValidateRideID(raidID); err != nil {
		util.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := h.rides.GetRide(r.Context(), raidID)
	if err != nil {
		util.ErrResponseInJson(w, translateStoreErr(err, apperrors.ErrRideNotFound))
		return
	}
	util.ResponseInJson(w, http.StatusOK, ride)
}

func (h *Handler) RideArrived(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RaidID string `json:"raidId"`
	}
	if err := decode(r, &req); err != nil {
		util.WriteJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	ride, err := h.rideEngine.Arrive(r.Context(), req.RaidID)
	if err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, ride)
}

func (h *Handler) RideStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RaidID string `json:"raidId"`
		OTP    string `json:"otp"`
	}
	if err := decode(r, &req); err != nil {
		util.WriteJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	ride, err := h.rideEngine.Start(r.Context(), req.RaidID, req.OTP)
	if err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, ride)
}

// RideCancel transitions a ride out of pending, accepted or arrived
// into cancelled (§4.3); a started ride is rejected with
// INVALID_TRANSITION and is not completed by this endpoint.
func (h *Handler) RideCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RaidID string `json:"raidId"`
	}
	if err := decode(r, &req); err != nil {
		util.WriteJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	ride, err := h.rideEngine.Cancel(r.Context(), req.RaidID)
	if err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, ride)
}

// RideSimpleComplete runs the exact same completion path as the
// realtime driverCompletedRide handler (§4.3): identical side-effect
// ordering and events, whichever surface the driver's client used.
func (h *Handler) RideSimpleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RaidID           string          `json:"raidId"`
		ActualDistanceKm float64         `json:"actualDistanceKm"`
		ActualPickup     *domain.Address `json:"actualPickup,omitempty"`
		ActualDrop       *domain.Address `json:"actualDrop,omitempty"`
		PaymentMethod    string          `json:"paymentMethod,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		util.WriteJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	ride, err := h.rideEngine.Complete(ctx, rideengine.CompleteInput{
		RaidID: req.RaidID, DriverID: principalFrom(r).id,
		ActualDistanceKm: req.ActualDistanceKm,
		ActualPickup:     req.ActualPickup, ActualDrop: req.ActualDrop,
		PaymentMethod: domain.PaymentMethod(req.PaymentMethod),
	})
	if err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, ride)
}

// ---- admin ----

func (h *Handler) GetRidePrices(w http.ResponseWriter, r *http.Request) {
	util.ResponseInJson(w, http.StatusOK, h.pricingCache.Snapshot())
}

func (h *Handler) SetRidePrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VehicleType string `json:"vehicleType"`
		PerKm       int    `json:"perKm"`
	}
	if err := decode(r, &req); err != nil {
		util.WriteJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := validation.ValidateVehicleType(req.VehicleType); err != nil {
		util.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.pricingCache.SetPrice(r.Context(), domain.VehicleType(req.VehicleType), req.PerKm); err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, h.pricingCache.Snapshot())
}

func (h *Handler) DirectWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int    `json:"amount"`
		Type   string `json:"type"` // credit or debit
	}
	if err := decode(r, &req); err != nil || req.Amount <= 0 {
		util.WriteJSONError(w, "amount must be a positive integer", http.StatusBadRequest)
		return
	}
	driverID := r.PathValue("driverId")

	var balance int
	var err error
	switch req.Type {
	case "debit":
		balance, _, err = h.ledger.Debit(r.Context(), driverID, req.Amount, domain.MethodAdminDebit, "admin adjustment", "")
	default:
		balance, _, err = h.ledger.Credit(r.Context(), driverID, req.Amount, domain.MethodAdminCredit, "admin adjustment", "")
	}
	if err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{"newBalance": balance})
}

// ---- passenger wallet ----

func (h *Handler) WalletBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.passengers.GetPassengerBalance(r.Context(), principalFrom(r).id)
	if err != nil {
		util.ErrResponseInJson(w, err)
		return
	}
	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{"balance": balance})
}

func (h *Handler) WalletAddMoney(w http.ResponseWriter, r *http.Request) {
	h.adjustPassengerWallet(w, r, 1)
}

func (h *Handler) WalletPayment(w http.ResponseWriter, r *http.Request) {
	h.adjustPassengerWallet(w, r, -1)
}

func (h *Handler) WalletWithdraw(w http.ResponseWriter, r *http.Request) {
	h.adjustPassengerWallet(w, r, -1)
}

func (h *Handler) adjustPassengerWallet(w http.ResponseWriter, r *http.Request, sign int) {
	var req struct {
		Amount int `json:"amount"`
	}
	if err := decode(r, &req); err != nil || req.Amount <= 0 {
		util.WriteJSONError(w, "amount must be a positive integer", http.StatusBadRequest)
		return
	}
	balance, err := h.passengers.AdjustPassengerWallet(r.Context(), principalFrom(r).id, sign*req.Amount)
	if err != nil {
		util.ErrResponseInJson(w, translatePassengerErr(err))
		return
	}
	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{"newBalance": balance})
}

// WalletCreditRide refunds the ride's fare to the passenger's wallet,
// used when an admin cancels a booked ride on the passenger's behalf.
func (h *Handler) WalletCreditRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RaidID string `json:"raidId"`
	}
	if err := decode(r, &req); err != nil {
		util.WriteJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	ride, err := h.rides.GetRide(r.Context(), req.RaidID)
	if err != nil {
		util.ErrResponseInJson(w, translateStoreErr(err, apperrors.ErrRideNotFound))
		return
	}
	balance, err := h.passengers.AdjustPassengerWallet(r.Context(), ride.PassengerRef, ride.Fare)
	if err != nil {
		util.ErrResponseInJson(w, translatePassengerErr(err))
		return
	}
	util.ResponseInJson(w, http.StatusOK, map[string]interface{}{"newBalance": balance})
}

func translateStoreErr(err error, notFound *apperrors.Error) error {
	if err == store.ErrNotFound {
		return notFound
	}
	return apperrors.Wrap(apperrors.KindStoreUnavailable, "STORE_UNAVAILABLE", err)
}

func translatePassengerErr(err error) error {
	if err == store.ErrInsufficientBalance {
		return apperrors.ErrInsufficientBalance
	}
	return apperrors.Wrap(apperrors.KindStoreUnavailable, "STORE_UNAVAILABLE", err)
}
