package allocation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"go.uber.org/zap"

	apperrors "graphplane-backend/pkg/errors"
)

// scaleUpCooldown is the minimum gap between scale-up signals for the
// same tier. Capacity takes minutes to come online, so signalling
// faster only thrashes the group.
const scaleUpCooldown = 5 * time.Minute

// Scaler grows writer capacity and pins instances against scale-in.
type Scaler interface {
	SignalScaleUp(ctx context.Context, tier string) error
	SetScaleInProtection(ctx context.Context, instanceID, tier string, protect bool) error
}

// AutoScalingAPI is the subset of the Auto Scaling client the scaler
// uses.
type AutoScalingAPI interface {
	DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	SetDesiredCapacity(ctx context.Context, params *autoscaling.SetDesiredCapacityInput, optFns ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error)
	SetInstanceProtection(ctx context.Context, params *autoscaling.SetInstanceProtectionInput, optFns ...func(*autoscaling.Options)) (*autoscaling.SetInstanceProtectionOutput, error)
}

// ASGScaler signals EC2 Auto Scaling groups named per writer tier.
type ASGScaler struct {
	client      AutoScalingAPI
	stackPrefix string
	logger      *zap.Logger

	mu         sync.Mutex
	lastSignal map[string]time.Time
	now        func() time.Time
}

func NewASGScaler(client AutoScalingAPI, stackPrefix string, logger *zap.Logger) *ASGScaler {
	return &ASGScaler{
		client:      client,
		stackPrefix: stackPrefix,
		logger:      logger,
		lastSignal:  make(map[string]time.Time),
		now:         time.Now,
	}
}

func (s *ASGScaler) groupName(tier string) string {
	return fmt.Sprintf("%s-%s-writers", s.stackPrefix, tier)
}

// SignalScaleUp bumps the tier's desired capacity by one, at most once
// per cooldown window per tier. A suppressed signal is not an error.
func (s *ASGScaler) SignalScaleUp(ctx context.Context, tier string) error {
	s.mu.Lock()
	if last, ok := s.lastSignal[tier]; ok && s.now().Sub(last) < scaleUpCooldown {
		s.mu.Unlock()
		s.logger.Debug("scale-up suppressed by cooldown", zap.String("tier", tier))
		return nil
	}
	s.lastSignal[tier] = s.now()
	s.mu.Unlock()

	group := s.groupName(tier)
	out, err := s.client.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{group},
	})
	if err != nil {
		return apperrors.Wrap(err, "describe autoscaling group")
	}
	if len(out.AutoScalingGroups) == 0 {
		return apperrors.NewConfiguration(fmt.Sprintf("autoscaling group %s not found", group))
	}

	asg := out.AutoScalingGroups[0]
	desired := aws.ToInt32(asg.DesiredCapacity) + 1
	if maxSize := aws.ToInt32(asg.MaxSize); desired > maxSize {
		s.logger.Warn("scale-up requested at max group size",
			zap.String("tier", tier), zap.Int32("max_size", maxSize))
		return nil
	}

	_, err = s.client.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(group),
		DesiredCapacity:      aws.Int32(desired),
		HonorCooldown:        aws.Bool(true),
	})
	if err != nil {
		return apperrors.Wrap(err, "set desired capacity")
	}

	s.logger.Info("signalled writer scale-up",
		zap.String("tier", tier), zap.Int32("desired_capacity", desired))
	return nil
}

// SetScaleInProtection pins or releases one instance. Protection keeps
// the group from reaping an instance that just received its first
// database.
func (s *ASGScaler) SetScaleInProtection(ctx context.Context, instanceID, tier string, protect bool) error {
	_, err := s.client.SetInstanceProtection(ctx, &autoscaling.SetInstanceProtectionInput{
		AutoScalingGroupName: aws.String(s.groupName(tier)),
		InstanceIds:          []string{instanceID},
		ProtectedFromScaleIn: aws.Bool(protect),
	})
	if err != nil {
		return apperrors.Wrap(err, "set instance protection")
	}
	return nil
}
