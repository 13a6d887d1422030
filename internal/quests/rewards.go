package quests

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RewardVoucher authorizes the recipient to mint TokenID on NFTContract.
// The contract recomputes Commitment and checks Signature against the service key.
type RewardVoucher struct {
	TaskID      uint64
	NFTContract string
	TokenID     uint64
	Commitment  stark.Felt
	Signature   stark.Signature
}

// Claim assembles one signed voucher per reward slot of a completed quest.
// Nothing is persisted: each call draws fresh token ids, so repeated claims yield distinct
// vouchers and the minting contract decides which one is honoured.
func (s *Service) Claim(ctx context.Context, address stark.Address, questID QuestID) ([]RewardVoucher, error) {
	if s.db == nil {
		s.logError(opClaim, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opClaim, reasonMissingDB, errMissingDatabase)
	}
	if address == "" {
		return nil, newServiceError(opClaim, reasonMissingAddr, errMissingAddress)
	}

	quest, err := s.loadQuest(ctx, opClaim, questID)
	if err != nil {
		return nil, err
	}
	progress, err := s.progress(ctx, opClaim, address, quest)
	if err != nil {
		return nil, err
	}
	if !progress.Complete {
		return nil, newServiceError(opClaim, "quest_incomplete",
			fmt.Errorf("%w: %d of %d tasks", ErrQuestIncomplete, progress.Completed, progress.Total))
	}

	if _, err := s.awardIfFirstCompletion(ctx, opClaim, address, quest); err != nil {
		return nil, err
	}

	var slots []RewardSlot
	if err := s.db.WithContext(ctx).
		Where("quest_id = ?", quest.ID).
		Order("task_id ASC").
		Find(&slots).Error; err != nil {
		s.logError(opClaim, "reward_slot_select_failed", err,
			zap.String(fieldAddress, address.String()),
			zap.Uint64(fieldQuestID, quest.ID))
		return nil, storageError(opClaim, "reward_slot_select_failed", err)
	}

	vouchers := make([]RewardVoucher, len(slots))
	group, groupCtx := errgroup.WithContext(ctx)
	for index, slot := range slots {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			voucher, err := s.issueVoucher(address, quest.ID, slot)
			if err != nil {
				return err
			}
			vouchers[index] = voucher
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return vouchers, nil
}

func (s *Service) issueVoucher(address stark.Address, questID uint64, slot RewardSlot) (RewardVoucher, error) {
	tokenID, err := s.tokenIDs.NextTokenID(slot.NFTLevel)
	if err != nil {
		s.logError(opClaim, "token_id_failed", err,
			zap.Uint64(fieldQuestID, questID),
			zap.Uint64(fieldTaskID, slot.TaskID),
			zap.Uint64("nft_level", slot.NFTLevel))
		return RewardVoucher{}, newServiceError(opClaim, "token_id_failed", err)
	}

	commitment := stark.Commit(tokenID, questID, slot.TaskID, address)
	signature, err := s.signer.Sign(commitment)
	if err != nil {
		s.metrics.observeSigningFailure()
		s.logError(opClaim, "voucher_signing_failed", err,
			zap.String(fieldAddress, address.String()),
			zap.Uint64(fieldQuestID, questID),
			zap.Uint64(fieldTaskID, slot.TaskID),
			zap.String("commitment", commitment.Hex()))
		return RewardVoucher{}, newServiceError(opClaim, "voucher_signing_failed",
			fmt.Errorf("%w: %w", ErrSignatureFailed, err))
	}
	s.metrics.observeVoucher()

	return RewardVoucher{
		TaskID:      slot.TaskID,
		NFTContract: slot.NFTContract,
		TokenID:     tokenID,
		Commitment:  commitment,
		Signature:   signature,
	}, nil
}
