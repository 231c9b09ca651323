package api

import (
	"encoding/json"

	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/service"
	"github.com/bastion-games/bastion/pkg/types"
)

// decode unmarshals a command payload, treating an empty payload as an empty
// object.
func decode(data json.RawMessage, out interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errdefs.Validationf("malformed payload: %v", err)
	}
	return nil
}

func dispatchTable() map[int]handler {
	return map[int]handler{
		types.APILogin:        handleLogin,
		types.APIUserInfo:     handleUserInfo,
		types.APIResourceInfo: handleResourceInfo,

		types.APIBuildingInfo:    handleBuildingInfo,
		types.APIBuildingCreate:  handleBuildingCreate,
		types.APIBuildingLevelup: handleBuildingLevelup,
		types.APIBuildingCancel:  handleBuildingCancel,

		types.APIResearchInfo:    handleResearchInfo,
		types.APIResearchStart:   handleResearchStart,
		types.APIResearchCancel:  handleResearchCancel,
		types.APIResearchInstant: handleResearchInstant,

		types.APIUnitInfo:    handleUnitInfo,
		types.APIUnitTrain:   handleUnitTrain,
		types.APIUnitUpgrade: handleUnitUpgrade,
		types.APIUnitCancel:  handleUnitCancel,

		types.APIItemInfo:   handleItemInfo,
		types.APIItemUse:    handleItemUse,
		types.APIItemDetail: handleItemDetail,

		types.APIMissionInfo:  handleMissionInfo,
		types.APIMissionClaim: handleMissionClaim,

		types.APIAllianceInfo:       handleAllianceInfo,
		types.APIAllianceCreate:     handleAllianceCreate,
		types.APIAllianceJoin:       handleAllianceJoin,
		types.APIAllianceLeave:      handleAllianceLeave,
		types.APIAllianceKick:       handleAllianceKick,
		types.APIAlliancePromote:    handleAlliancePromote,
		types.APIAllianceApprove:    handleAllianceApprove,
		types.APIAllianceReject:     handleAllianceReject,
		types.APIAllianceDonate:     handleAllianceDonate,
		types.APIAllianceDisband:    handleAllianceDisband,
		types.APIAllianceNotice:     handleAllianceNotice,
		types.APIAllianceTransfer:   handleAllianceTransfer,
		types.APIAllianceApplicants: handleAllianceApplicants,

		types.APIShopInfo:    handleShopInfo,
		types.APIShopBuy:     handleShopBuy,
		types.APIShopRefresh: handleShopRefresh,
	}
}

// --- System ---

func handleLogin(deps *service.Deps, _ int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		AccountID string `json:"account_id"`
		Nickname  string `json:"nickname"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewLoginService(deps).Login(p.AccountID, p.Nickname)
}

func handleUserInfo(deps *service.Deps, userID int64, _ json.RawMessage) (interface{}, error) {
	return service.UserInfo(deps, userID)
}

func handleResourceInfo(deps *service.Deps, userID int64, _ json.RawMessage) (interface{}, error) {
	return service.NewResourceService(deps, userID).Info()
}

// --- Building ---

type buildingPayload struct {
	BuildingIdx int `json:"building_idx"`
}

func handleBuildingInfo(deps *service.Deps, userID int64, _ json.RawMessage) (interface{}, error) {
	return service.NewBuildingService(deps, userID).Info()
}

func handleBuildingCreate(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p buildingPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewBuildingService(deps, userID).Create(p.BuildingIdx)
}

func handleBuildingLevelup(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p buildingPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewBuildingService(deps, userID).Levelup(p.BuildingIdx)
}

func handleBuildingCancel(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p buildingPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewBuildingService(deps, userID).Cancel(p.BuildingIdx)
}

// --- Research ---

type researchPayload struct {
	ResearchIdx int `json:"research_idx"`
}

func handleResearchInfo(deps *service.Deps, userID int64, _ json.RawMessage) (interface{}, error) {
	return service.NewResearchService(deps, userID).Info()
}

func handleResearchStart(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p researchPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewResearchService(deps, userID).Start(p.ResearchIdx)
}

func handleResearchCancel(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p researchPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewResearchService(deps, userID).Cancel(p.ResearchIdx)
}

func handleResearchInstant(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p researchPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewResearchService(deps, userID).InstantComplete(p.ResearchIdx)
}

// --- Unit ---

func handleUnitInfo(deps *service.Deps, userID int64, _ json.RawMessage) (interface{}, error) {
	return service.NewUnitService(deps, userID).Info()
}

func handleUnitTrain(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		UnitIdx  int   `json:"unit_idx"`
		Quantity int64 `json:"quantity"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewUnitService(deps, userID).Train(p.UnitIdx, p.Quantity)
}

func handleUnitUpgrade(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		FromIdx  int   `json:"from_idx"`
		ToIdx    int   `json:"to_idx"`
		Quantity int64 `json:"quantity"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewUnitService(deps, userID).Upgrade(p.FromIdx, p.ToIdx, p.Quantity)
}

func handleUnitCancel(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		UnitIdx int    `json:"unit_idx"`
		BatchID string `json:"batch_id"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return nil, service.NewUnitService(deps, userID).Cancel(p.UnitIdx, p.BatchID)
}

// --- Item ---

func handleItemInfo(deps *service.Deps, userID int64, _ json.RawMessage) (interface{}, error) {
	return service.NewItemService(deps, userID).Info()
}

func handleItemUse(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		ItemIdx  int                    `json:"item_idx"`
		Quantity int64                  `json:"quantity"`
		Target   *service.SpeedupTarget `json:"target,omitempty"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.Quantity == 0 {
		p.Quantity = 1
	}
	return service.NewItemService(deps, userID).Use(p.ItemIdx, p.Quantity, p.Target)
}

func handleItemDetail(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		ItemIdx int `json:"item_idx"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewItemService(deps, userID).Detail(p.ItemIdx)
}

// --- Mission ---

func handleMissionInfo(deps *service.Deps, userID int64, _ json.RawMessage) (interface{}, error) {
	return service.NewMissionService(deps, userID).Info()
}

func handleMissionClaim(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		MissionIdx int `json:"mission_idx"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewMissionService(deps, userID).Claim(p.MissionIdx)
}

// --- Alliance ---

type allianceTargetPayload struct {
	TargetUserNo int64 `json:"target_user_no"`
}

func handleAllianceInfo(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		AllianceID int64 `json:"alliance_id"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	svc := service.NewAllianceService(deps, userID)
	if p.AllianceID > 0 {
		return svc.Info(p.AllianceID)
	}
	return svc.Mine()
}

func handleAllianceCreate(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		Name       string           `json:"name"`
		JoinPolicy types.JoinPolicy `json:"join_policy"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.JoinPolicy == "" {
		p.JoinPolicy = types.JoinOpen
	}
	return service.NewAllianceService(deps, userID).Create(p.Name, p.JoinPolicy)
}

func handleAllianceJoin(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		AllianceID int64 `json:"alliance_id"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewAllianceService(deps, userID).Join(p.AllianceID)
}

func handleAllianceLeave(deps *service.Deps, userID int64, _ json.RawMessage) (interface{}, error) {
	return nil, service.NewAllianceService(deps, userID).Leave()
}

func handleAllianceKick(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p allianceTargetPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return nil, service.NewAllianceService(deps, userID).Kick(p.TargetUserNo)
}

func handleAlliancePromote(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		TargetUserNo int64      `json:"target_user_no"`
		Rank         types.Rank `json:"rank"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return nil, service.NewAllianceService(deps, userID).Promote(p.TargetUserNo, p.Rank)
}

func handleAllianceApprove(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p allianceTargetPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return nil, service.NewAllianceService(deps, userID).Approve(p.TargetUserNo)
}

func handleAllianceReject(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p allianceTargetPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return nil, service.NewAllianceService(deps, userID).Reject(p.TargetUserNo)
}

func handleAllianceDonate(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		Amount int64 `json:"amount"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewAllianceService(deps, userID).Donate(p.Amount)
}

func handleAllianceDisband(deps *service.Deps, userID int64, _ json.RawMessage) (interface{}, error) {
	return nil, service.NewAllianceService(deps, userID).Disband()
}

func handleAllianceNotice(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		Notice string `json:"notice"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return nil, service.NewAllianceService(deps, userID).SetNotice(p.Notice)
}

func handleAllianceTransfer(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p allianceTargetPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return nil, service.NewAllianceService(deps, userID).Transfer(p.TargetUserNo)
}

func handleAllianceApplicants(deps *service.Deps, userID int64, _ json.RawMessage) (interface{}, error) {
	return service.NewAllianceService(deps, userID).Applicants()
}

// --- Shop ---

func handleShopInfo(deps *service.Deps, userID int64, _ json.RawMessage) (interface{}, error) {
	return service.NewShopService(deps, userID).Info()
}

func handleShopBuy(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error) {
	var p struct {
		Slot int `json:"slot"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return service.NewShopService(deps, userID).Buy(p.Slot)
}

func handleShopRefresh(deps *service.Deps, userID int64, _ json.RawMessage) (interface{}, error) {
	return service.NewShopService(deps, userID).Refresh()
}
